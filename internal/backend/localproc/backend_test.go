//go:build !windows

package localproc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runoshun/foreman/internal/buffer"
	"github.com/runoshun/foreman/internal/domain"
	"github.com/runoshun/foreman/internal/testutil"
)

// writeScript creates an executable shell script and a config loader that
// runs it through sh.
func writeScript(t *testing.T, body string) domain.ConfigLoader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return &testutil.MockConfigLoader{Config: &domain.Config{
		Local: domain.LocalConfig{Interpreter: "sh", Script: path},
	}}
}

func newBackend(cfg domain.ConfigLoader) (*Backend, *buffer.Buffer) {
	out := buffer.New(testutil.NewMockOutputRepository(), testutil.NopLogger{}, domain.RealClock{})
	return New(out, cfg, testutil.NopLogger{}), out
}

func testTask(t *testing.T) *domain.Task {
	return &domain.Task{ID: 1, Project: t.TempDir(), Description: "test"}
}

func TestExecute_Success(t *testing.T) {
	b, out := newBackend(writeScript(t, `echo hello; echo oops >&2; exit 0`))

	res, err := b.Execute(context.Background(), testTask(t))
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)

	var primary, errs []string
	for _, line := range out.Lines(1) {
		switch line.Stream {
		case domain.StreamPrimary:
			primary = append(primary, line.Content)
		case domain.StreamError:
			errs = append(errs, line.Content)
		}
	}
	assert.Contains(t, strings.Join(primary, ""), "hello")
	assert.Contains(t, strings.Join(errs, ""), "oops")
}

func TestExecute_NonZeroExit(t *testing.T) {
	b, _ := newBackend(writeScript(t, `exit 3`))

	res, err := b.Execute(context.Background(), testTask(t))
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Contains(t, res.Err, "3")
}

func TestExecute_ScriptNotFound(t *testing.T) {
	cfg := &testutil.MockConfigLoader{Config: &domain.Config{
		Local: domain.LocalConfig{Interpreter: "sh", Script: "/no/such/script.sh"},
	}}
	b, _ := newBackend(cfg)

	_, err := b.Execute(context.Background(), testTask(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScriptNotFound)
}

func TestExecute_InvalidConfiguration(t *testing.T) {
	cfg := &testutil.MockConfigLoader{Config: &domain.Config{}}
	b, _ := newBackend(cfg)

	_, err := b.Execute(context.Background(), testTask(t))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestStop_GracefulTermination(t *testing.T) {
	// Script exits on SIGTERM by default; no trap needed.
	b, _ := newBackend(writeScript(t, `sleep 30`))
	task := testTask(t)

	resCh := make(chan *domain.ExecResult, 1)
	go func() {
		res, err := b.Execute(context.Background(), task)
		require.NoError(t, err)
		resCh <- res
	}()

	// Wait for the process registry entry, then stop.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.procs[task.ID] != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Stop(task.ID))

	select {
	case res := <-resCh:
		assert.False(t, res.Success)
		assert.True(t, res.Canceled, "user stop is not a failure")
		assert.Equal(t, "terminated", res.Signal)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not terminate after Stop")
	}
}

func TestStop_UnknownTaskIsNoop(t *testing.T) {
	b, _ := newBackend(writeScript(t, `exit 0`))
	assert.NoError(t, b.Stop(99))
	assert.NoError(t, b.Pause(99))
	assert.NoError(t, b.Resume(99))
}

func TestPauseResume_Roundtrip(t *testing.T) {
	b, _ := newBackend(writeScript(t, `sleep 30`))
	task := testTask(t)

	go func() { _, _ = b.Execute(context.Background(), task) }()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.procs[task.ID] != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Pause(task.ID))
	b.mu.Lock()
	assert.True(t, b.procs[task.ID].paused)
	b.mu.Unlock()

	require.NoError(t, b.Resume(task.ID))
	b.mu.Lock()
	assert.False(t, b.procs[task.ID].paused)
	b.mu.Unlock()

	require.NoError(t, b.Stop(task.ID))
}

func TestCapabilities(t *testing.T) {
	b, _ := newBackend(writeScript(t, `exit 0`))
	assert.True(t, b.Capabilities().SupportsSuspend)
}
