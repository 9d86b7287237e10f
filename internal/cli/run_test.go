package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runoshun/foreman/internal/domain"
)

func TestRun_CompletesTask(t *testing.T) {
	c, d := newTestContainer()
	d.tasks.Tasks[1] = &domain.Task{ID: 1, Description: "quick job", Status: domain.StatusPending, Service: domain.ServiceLocal}

	cmd := newRunCommand(c)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"1", "--no-input"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, domain.StatusCompleted, d.tasks.Tasks[1].Status)
	assert.Contains(t, buf.String(), "task #1")
	assert.Contains(t, buf.String(), "completed")
	assert.Equal(t, []int{1}, d.backend.Executed())
}

func TestRun_FailedTaskReturnsError(t *testing.T) {
	c, d := newTestContainer()
	d.tasks.Tasks[1] = &domain.Task{ID: 1, Description: "doomed job", Status: domain.StatusPending, Service: domain.ServiceLocal}
	d.backend.ExecuteFn = func(context.Context, *domain.Task) (*domain.ExecResult, error) {
		return &domain.ExecResult{Success: false, Err: "agent crashed"}, nil
	}

	cmd := newRunCommand(c)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"1", "--no-input"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "#1")
	assert.Equal(t, domain.StatusFailed, d.tasks.Tasks[1].Status)
}

func TestRun_MultipleTasksSerialized(t *testing.T) {
	c, d := newTestContainer()
	d.tasks.Tasks[1] = &domain.Task{ID: 1, Description: "first", Status: domain.StatusPending, Service: domain.ServiceLocal}
	d.tasks.Tasks[2] = &domain.Task{ID: 2, Description: "second", Status: domain.StatusPending, Service: domain.ServiceLocal}

	cmd := newRunCommand(c)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"1", "2", "--no-input"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, []int{1, 2}, d.backend.Executed())
	assert.Equal(t, domain.StatusCompleted, d.tasks.Tasks[1].Status)
	assert.Equal(t, domain.StatusCompleted, d.tasks.Tasks[2].Status)
}

func TestRun_StopViaControlLoop(t *testing.T) {
	c, d := newTestContainer()
	d.tasks.Tasks[1] = &domain.Task{ID: 1, Description: "long job", Status: domain.StatusPending, Service: domain.ServiceLocal}

	release := make(chan struct{})
	d.backend.ExecuteFn = func(context.Context, *domain.Task) (*domain.ExecResult, error) {
		<-release
		return &domain.ExecResult{Canceled: true}, nil
	}

	// Release the blocked backend once the stop command has landed.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			task, _ := d.tasks.Get(1)
			if task != nil && task.Status == domain.StatusStopped {
				close(release)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		close(release)
	}()

	cmd := newRunCommand(c)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetIn(strings.NewReader("stop 1\n"))
	cmd.SetArgs([]string{"1"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, domain.StatusStopped, d.tasks.Tasks[1].Status)
	assert.Equal(t, []int{1}, d.backend.StopCalls)
}

func TestRun_UnknownTask(t *testing.T) {
	c, _ := newTestContainer()

	cmd := newRunCommand(c)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"7", "--no-input"})

	assert.ErrorIs(t, cmd.Execute(), domain.ErrTaskNotFound)
}

func TestRunSession_DispatchCommand(t *testing.T) {
	c, d := newTestContainer()
	d.tasks.Tasks[1] = &domain.Task{ID: 1, Description: "job", Status: domain.StatusPending, Service: domain.ServiceLocal}
	rt, err := c.BuildRuntime()
	require.NoError(t, err)

	s := &runSession{
		rt:       rt,
		out:      &bytes.Buffer{},
		statuses: map[int]domain.Status{1: domain.StatusPending},
		done:     make(chan struct{}),
	}

	assert.Error(t, s.dispatchCommand("approve"), "missing id")
	assert.Error(t, s.dispatchCommand("reject 1"), "missing feedback")
	assert.Error(t, s.dispatchCommand("frobnicate 1"), "unknown verb")
	assert.NoError(t, s.dispatchCommand("list"))
}
