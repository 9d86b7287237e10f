package backlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const backlogYAML = `project: Note-taking web app
features:
  - id: 1
    description: User can create a note
    done: true
  - id: 2
    description: User can search notes
  - id: 3
    description: Notes sync across devices
`

func writeBacklog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(backlogYAML), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	b, err := Load(writeBacklog(t))
	require.NoError(t, err)

	assert.Equal(t, "Note-taking web app", b.Project)
	require.Len(t, b.Features, 3)
	assert.True(t, b.Features[0].Done)
	assert.Equal(t, "User can search notes", b.Features[1].Description)
	assert.False(t, b.Features[1].Done)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestBacklog_Remaining(t *testing.T) {
	b, err := Load(writeBacklog(t))
	require.NoError(t, err)

	remaining := b.Remaining()
	require.Len(t, remaining, 2)
	assert.Equal(t, 2, remaining[0].ID)
	assert.Equal(t, 3, remaining[1].ID)
	assert.False(t, b.Done())
}

func TestBacklog_MarkDoneAndSave(t *testing.T) {
	path := writeBacklog(t)
	b, err := Load(path)
	require.NoError(t, err)

	b.MarkDone(2)
	b.MarkDone(3)
	b.MarkDone(99) // unknown id ignored
	assert.True(t, b.Done())
	require.NoError(t, b.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Done())
	assert.Empty(t, reloaded.Remaining())
}
