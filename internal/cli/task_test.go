package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runoshun/foreman/internal/app"
	"github.com/runoshun/foreman/internal/domain"
	"github.com/runoshun/foreman/internal/testutil"
)

// testDeps bundles the mocks behind a test container.
type testDeps struct {
	tasks      *testutil.MockTaskRepository
	output     *testutil.MockOutputRepository
	repos      *testutil.MockRepoStatus
	workspaces *testutil.MockWorkspace
	backend    *testutil.MockBackend
	config     *testutil.MockConfigLoader
	clock      *testutil.MockClock
}

// newTestContainer creates an app.Container with mock dependencies.
func newTestContainer() (*app.Container, *testDeps) {
	d := &testDeps{
		tasks:      testutil.NewMockTaskRepository(),
		output:     testutil.NewMockOutputRepository(),
		repos:      testutil.NewMockRepoStatus(),
		workspaces: &testutil.MockWorkspace{Path: "/sandbox/task-1"},
		backend:    &testutil.MockBackend{Svc: domain.ServiceLocal},
		config:     &testutil.MockConfigLoader{},
		clock:      &testutil.MockClock{NowTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	c := app.NewWithDeps(app.Paths{}, app.Deps{
		Tasks:      d.tasks,
		Output:     d.output,
		Syncs:      testutil.NewMockSyncStateRepository(),
		Config:     d.config,
		Repos:      d.repos,
		Workspaces: d.workspaces,
		Logger:     testutil.NopLogger{},
		Clock:      d.clock,
		Backends:   []domain.Backend{d.backend},
	})
	return c, d
}

func TestTaskAdd_CreatesTask(t *testing.T) {
	c, d := newTestContainer()
	project := t.TempDir()
	d.repos.Repos[project] = true

	cmd := newTaskCommand(c)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"add", project, "-d", "Add full-text search"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Created task #1")

	task := d.tasks.Tasks[1]
	require.NotNil(t, task)
	assert.Equal(t, "Add full-text search", task.Description)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, domain.AgentFeature, task.AgentType)
	assert.Equal(t, domain.ServiceLocal, task.Service)
	assert.Equal(t, project, task.Project)
}

func TestTaskAdd_RequiresDescription(t *testing.T) {
	c, _ := newTestContainer()

	cmd := newTaskCommand(c)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"add", t.TempDir()})

	assert.Error(t, cmd.Execute())
}

func TestTaskAdd_FeatureRequiresRepository(t *testing.T) {
	c, d := newTestContainer()
	project := t.TempDir()
	// Not registered in d.repos: not a repository.

	cmd := newTaskCommand(c)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"add", project, "-d", "Feature work"})

	assert.ErrorIs(t, cmd.Execute(), domain.ErrNotARepository)
	assert.Empty(t, d.tasks.Tasks)
}

func TestTaskAdd_AutonomousOutsideRepository(t *testing.T) {
	c, d := newTestContainer()
	project := t.TempDir()

	cmd := newTaskCommand(c)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"add", project, "-d", "Build the app", "--type", "autonomous"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, domain.AgentAutonomous, d.tasks.Tasks[1].AgentType)
}

func TestTaskAdd_ParamsAndEnv(t *testing.T) {
	c, d := newTestContainer()
	project := t.TempDir()
	d.repos.Repos[project] = true

	cmd := newTaskCommand(c)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"add", project, "-d", "Tuned run",
		"--model", "opus", "--max-turns", "40", "--budget", "2.5",
		"--allowed-tools", "Read,Edit", "--disallowed-tools", "WebSearch",
		"--env", "API_KEY=secret", "--env", "REGION=eu",
	})

	require.NoError(t, cmd.Execute())
	params := d.tasks.Tasks[1].Params
	assert.Equal(t, "opus", params.Model)
	assert.Equal(t, 40, params.MaxTurns)
	assert.InDelta(t, 2.5, params.BudgetUSD, 0.001)
	assert.Equal(t, []string{"Read", "Edit"}, params.AllowedTools)
	assert.Equal(t, []string{"WebSearch"}, params.DisallowedTools)
	assert.Equal(t, map[string]string{"API_KEY": "secret", "REGION": "eu"}, params.Env)
}

func TestTaskAdd_IsolatedWorkspace(t *testing.T) {
	c, d := newTestContainer()
	project := t.TempDir()
	d.repos.Repos[project] = true

	cmd := newTaskCommand(c)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"add", project, "-d", "Risky refactor", "--isolate"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "workspace: /sandbox/task-1")
	assert.Equal(t, 1, d.workspaces.CreateCalls, "feature task gets a worktree")
	assert.Equal(t, "/sandbox/task-1", d.tasks.Tasks[1].Project)
}

func TestTaskAdd_IsolatedAutonomousCopies(t *testing.T) {
	c, d := newTestContainer()

	cmd := newTaskCommand(c)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"add", t.TempDir(), "-d", "Build it", "--type", "autonomous", "--isolate"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, 1, d.workspaces.CopyCalls, "autonomous task gets a copy")
	assert.Zero(t, d.workspaces.CreateCalls)
}

func TestTaskList(t *testing.T) {
	c, d := newTestContainer()
	d.tasks.Tasks[1] = &domain.Task{ID: 1, Description: "first", Status: domain.StatusPending, AgentType: domain.AgentFeature, Service: domain.ServiceLocal}
	d.tasks.Tasks[2] = &domain.Task{ID: 2, Description: "second", Status: domain.StatusCompleted, AgentType: domain.AgentFeature, Service: domain.ServiceACP}

	cmd := newTaskCommand(c)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"list"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "first")
	assert.Contains(t, buf.String(), "second")
	assert.Contains(t, buf.String(), "STATUS")
}

func TestTaskList_StatusFilter(t *testing.T) {
	c, d := newTestContainer()
	d.tasks.Tasks[1] = &domain.Task{ID: 1, Description: "first", Status: domain.StatusPending}
	d.tasks.Tasks[2] = &domain.Task{ID: 2, Description: "second", Status: domain.StatusCompleted}

	cmd := newTaskCommand(c)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"list", "--status", "completed"})

	require.NoError(t, cmd.Execute())
	assert.NotContains(t, buf.String(), "first")
	assert.Contains(t, buf.String(), "second")
}

func TestTaskList_RejectsUnknownStatus(t *testing.T) {
	c, _ := newTestContainer()

	cmd := newTaskCommand(c)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list", "--status", "bogus"})

	assert.Error(t, cmd.Execute())
}

func TestTaskShow(t *testing.T) {
	c, d := newTestContainer()
	d.tasks.Tasks[3] = &domain.Task{
		ID:          3,
		Description: "Wire up the parser",
		Status:      domain.StatusAwaitingApproval,
		AgentType:   domain.AgentFeature,
		Service:     domain.ServiceLocal,
		Project:     "/work/notes",
		Created:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Plan: &domain.PlanSpec{
			Status:  domain.PlanGenerated,
			Version: 1,
			Content: "plan body",
			Tasks: []domain.PlanTask{
				{ID: "T001", Description: "Add the parser", Phase: "Core", Status: domain.PlanTaskCompleted},
				{ID: "T002", Description: "Add parser tests", Phase: "Core", Status: domain.PlanTaskPending},
			},
		},
	}

	cmd := newTaskCommand(c)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"show", "3"})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "Task #3")
	assert.Contains(t, out, "Wire up the parser")
	assert.Contains(t, out, "awaiting_approval")
	assert.Contains(t, out, "[x] T001")
	assert.Contains(t, out, "[ ] T002")
}

func TestTaskShow_NotFound(t *testing.T) {
	c, _ := newTestContainer()

	cmd := newTaskCommand(c)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"show", "99"})

	assert.ErrorIs(t, cmd.Execute(), domain.ErrTaskNotFound)
}

func TestTaskRm(t *testing.T) {
	c, d := newTestContainer()
	d.tasks.Tasks[1] = &domain.Task{ID: 1, Description: "doomed", Status: domain.StatusPending}
	d.output.Lines = map[int][]domain.OutputLine{1: {{TaskID: 1, Content: "old output"}}}

	cmd := newTaskCommand(c)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"rm", "1"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Deleted task #1")
	assert.Empty(t, d.tasks.Tasks)
	assert.Empty(t, d.output.Lines[1])
	assert.Equal(t, []int{1}, d.workspaces.CleanedUp)
}

func TestParseTaskID(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"1", 1, false},
		{"#42", 42, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseTaskID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
