// Package localproc executes tasks by spawning an external interpreter
// process and streaming its stdout/stderr into the output buffer.
//
// The package is Unix-only: suspend/resume uses SIGSTOP/SIGCONT and exit
// classification reads the Unix wait status.
package localproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/runoshun/foreman/internal/buffer"
	"github.com/runoshun/foreman/internal/domain"
)

// killEscalationDelay is how long a process gets to exit after SIGTERM
// before SIGKILL is issued.
const killEscalationDelay = 10 * time.Second

// Backend runs tasks as external interpreter processes.
type Backend struct {
	out    *buffer.Buffer
	config domain.ConfigLoader
	logger domain.Logger
	procs  map[int]*process
	mu     sync.Mutex
}

// process is the runtime state for one spawned task.
type process struct {
	cmd       *exec.Cmd
	done      chan struct{}
	killTimer *time.Timer
	exitOnce  sync.Once
	result    domain.ExecResult
	paused    bool
	stopped   bool
}

// New creates a local process backend.
func New(out *buffer.Buffer, config domain.ConfigLoader, logger domain.Logger) *Backend {
	return &Backend{
		out:    out,
		config: config,
		logger: logger,
		procs:  make(map[int]*process),
	}
}

// Ensure Backend implements domain.Backend.
var _ domain.Backend = (*Backend)(nil)

// Service returns the service type this backend handles.
func (b *Backend) Service() domain.Service {
	return domain.ServiceLocal
}

// Capabilities reports true process suspend via SIGSTOP/SIGCONT.
func (b *Backend) Capabilities() domain.Capabilities {
	return domain.Capabilities{SupportsSuspend: true}
}

// Execute spawns the interpreter and blocks until the process exits or the
// context is canceled. Output chunks are appended to the buffer as they
// arrive.
func (b *Backend) Execute(ctx context.Context, task *domain.Task) (*domain.ExecResult, error) {
	cfg, err := b.config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(domain.ServiceLocal); err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(cfg.Local.Script); statErr != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Local.Script, domain.ErrScriptNotFound)
	}

	args := buildArgs(cfg.Local.Script, task)
	// #nosec G204 - interpreter and script come from validated configuration
	cmd := exec.Command(cfg.Local.Interpreter, args...)
	cmd.Dir = task.Project
	cmd.Env = mergeEnv(os.Environ(), cfg.Local.Env, task.Params.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrProcessSpawnFailed)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	b.mu.Lock()
	b.procs[task.ID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if p.killTimer != nil {
			p.killTimer.Stop()
		}
		delete(b.procs, task.ID)
		b.mu.Unlock()
	}()

	var streams sync.WaitGroup
	streams.Add(2)
	go b.stream(&streams, task.ID, stdout, domain.StreamPrimary)
	go b.stream(&streams, task.ID, stderr, domain.StreamError)

	waitErr := make(chan error, 1)
	go func() {
		streams.Wait()
		waitErr <- cmd.Wait()
	}()

	select {
	case err := <-waitErr:
		b.finish(task.ID, p, err)
	case <-ctx.Done():
		_ = b.Stop(task.ID)
		b.finish(task.ID, p, <-waitErr)
		b.mu.Lock()
		p.result.Canceled = true
		p.result.Success = false
		b.mu.Unlock()
	}

	<-p.done
	b.mu.Lock()
	res := p.result
	b.mu.Unlock()
	return &res, nil
}

// stream copies raw chunks from one pipe into the buffer. Chunks are
// appended exactly as read; no normalization.
func (b *Backend) stream(wg *sync.WaitGroup, taskID int, r io.Reader, tag domain.Stream) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.out.Append(taskID, string(buf[:n]), tag)
		}
		if err != nil {
			return
		}
	}
}

// finish records the terminal result exactly once. A later "closed"
// notification for the same process is a no-op.
func (b *Backend) finish(taskID int, p *process, waitErr error) {
	p.exitOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		defer close(p.done)

		if waitErr == nil {
			code := 0
			p.result = domain.ExecResult{Success: true, ExitCode: &code}
			b.logger.Info(taskID, "local", "process exited with code 0")
			return
		}

		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			status, _ := exitErr.Sys().(syscall.WaitStatus)
			if status.Signaled() {
				sig := status.Signal().String()
				code := 128 + int(status.Signal())
				p.result = domain.ExecResult{
					ExitCode: &code,
					Signal:   sig,
					Err:      fmt.Sprintf("process killed by signal %s (exit code %d)", sig, code),
					Canceled: p.stopped,
				}
			} else {
				code := exitErr.ExitCode()
				p.result = domain.ExecResult{
					ExitCode: &code,
					Err:      fmt.Sprintf("process exited with code %d", code),
					Canceled: p.stopped,
				}
			}
		} else {
			p.result = domain.ExecResult{Err: waitErr.Error(), Canceled: p.stopped}
		}
		b.logger.Info(taskID, "local", "process exited: "+p.result.Err)
	})
}

// Pause suspends the process with SIGSTOP.
func (b *Backend) Pause(taskID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[taskID]
	if !ok || p.paused {
		return nil
	}
	p.paused = true
	if err := p.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("signal SIGSTOP: %w", err)
	}
	return nil
}

// Resume continues a paused process.
func (b *Backend) Resume(taskID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[taskID]
	if !ok || !p.paused {
		return nil
	}
	p.paused = false
	if err := p.cmd.Process.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("signal SIGCONT: %w", err)
	}
	return nil
}

// Stop requests graceful termination and arms the SIGKILL escalation
// timer. A paused process is resumed first so it can observe the signal.
func (b *Backend) Stop(taskID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[taskID]
	if !ok || p.stopped {
		return nil
	}
	p.stopped = true
	if p.paused {
		p.paused = false
		_ = p.cmd.Process.Signal(syscall.SIGCONT)
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal SIGTERM: %w", err)
	}
	proc := p.cmd.Process
	p.killTimer = time.AfterFunc(killEscalationDelay, func() {
		b.logger.Warn(taskID, "local", "process did not exit after SIGTERM, sending SIGKILL")
		_ = proc.Kill()
	})
	return nil
}

// buildArgs assembles the interpreter argument list from task fields.
func buildArgs(script string, task *domain.Task) []string {
	args := []string{script, "--task", task.Description, "--dir", task.Project}
	if task.Params.Model != "" {
		args = append(args, "--model", task.Params.Model)
	}
	if task.Params.MaxIterations > 0 {
		args = append(args, "--max-iterations", strconv.Itoa(task.Params.MaxIterations))
	}
	if task.Params.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(task.Params.MaxTurns))
	}
	if task.Params.TaskFile != "" {
		args = append(args, "--task-file", task.Params.TaskFile)
	}
	if len(task.Params.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(task.Params.AllowedTools, ","))
	}
	if len(task.Params.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(task.Params.DisallowedTools, ","))
	}
	return args
}
