package cli

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/runoshun/foreman/internal/app"
	"github.com/runoshun/foreman/internal/domain"
)

// newRunCommand creates the run command for foreground execution.
func newRunCommand(c *app.Container) *cobra.Command {
	var opts struct {
		NoInput bool
	}

	cmd := &cobra.Command{
		Use:   "run <id>...",
		Short: "Execute tasks in the foreground",
		Long: `Queue the given tasks and stream their output until every one
reaches a terminal state (or review).

While tasks run, control commands are read from stdin:

  approve <id>             approve a generated plan
  reject <id> <feedback>   reject a plan with revision feedback
  pause <id>               suspend a running task
  resume <id>              continue a paused task
  stop <id>                terminate a task
  restart <id>             re-queue a finished task
  reorder <id>...          replace the backlog ordering
  list                     show current task statuses

Startup recovery runs first: tasks left running by a crash are swept to
'stopped', and resumable remote sessions are re-attached.

Examples:
  foreman run 1
  foreman run 1 2 3
  foreman run 1 --no-input`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int, 0, len(args))
			for _, a := range args {
				id, err := parseTaskID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			rt, err := c.BuildRuntime()
			if err != nil {
				return err
			}
			return runTasks(cmd.OutOrStdout(), cmd.InOrStdin(), rt, ids, !opts.NoInput)
		},
	}

	cmd.Flags().BoolVar(&opts.NoInput, "no-input", false, "Disable the interactive control prompt")

	return cmd
}

// runSession tracks the foreground tasks until all of them settle.
type runSession struct {
	rt       *app.Runtime
	out      io.Writer
	statuses map[int]domain.Status
	mu       sync.Mutex
	outMu    sync.Mutex
	done     chan struct{}
	once     sync.Once
}

// Write serializes output from concurrent event handlers.
func (s *runSession) Write(p []byte) (int, error) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.out.Write(p)
}

// settled reports whether a status needs no further engine work: terminal,
// or parked in review for a human.
func settled(s domain.Status) bool {
	return s.IsTerminal() || s == domain.StatusReview
}

func runTasks(out io.Writer, in io.Reader, rt *app.Runtime, ids []int, interactive bool) error {
	s := &runSession{
		rt:       rt,
		out:      out,
		statuses: make(map[int]domain.Status, len(ids)),
		done:     make(chan struct{}),
	}
	for _, id := range ids {
		s.statuses[id] = ""
	}

	unsubscribe := rt.Engine.Subscribe(s.handleEvent)
	defer unsubscribe()

	if err := rt.Engine.Recover(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	for _, id := range ids {
		if err := rt.Engine.Start(id); err != nil {
			return err
		}
	}
	// Recovery or an immediate failure may have settled everything before
	// the subscription saw a transition.
	s.checkSettled()

	if interactive {
		go s.controlLoop(in)
	}
	<-s.done

	return s.result()
}

// handleEvent renders engine events and watches for completion.
func (s *runSession) handleEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventOutput:
		if ev.Line.Stream == domain.StreamError {
			fmt.Fprintln(s, errorStyle.Render(ev.Line.Content))
		} else {
			fmt.Fprintln(s, ev.Line.Content)
		}
	case domain.EventPlanGenerated:
		if ev.Plan == nil {
			return
		}
		fmt.Fprintf(s, "\n%s\n%s\n", headerStyle.Render(fmt.Sprintf("Plan for task #%d awaits approval", ev.TaskID)), ev.Plan.Content)
		fmt.Fprintln(s, mutedStyle.Render(fmt.Sprintf("  approve %d | reject %d <feedback>", ev.TaskID, ev.TaskID)))
	case domain.EventPlanApproved:
		fmt.Fprintln(s, mutedStyle.Render(fmt.Sprintf("plan for task #%d approved", ev.TaskID)))
	case domain.EventPlanRejected:
		fmt.Fprintln(s, mutedStyle.Render(fmt.Sprintf("plan for task #%d rejected, revising", ev.TaskID)))
	case domain.EventPhaseCompleted:
		fmt.Fprintln(s, mutedStyle.Render(fmt.Sprintf("phase %q completed", ev.Phase)))
	case domain.EventTaskUpdated, domain.EventTaskStarted, domain.EventTaskStopped,
		domain.EventTaskCompleted, domain.EventTaskFailed:
		if ev.Task == nil {
			return
		}
		s.noteStatus(ev.TaskID, ev.Task.Status, ev.Task.Error)
	}
}

// noteStatus records a tracked task's transition and prints it once.
func (s *runSession) noteStatus(id int, status domain.Status, errMsg string) {
	s.mu.Lock()
	prev, tracked := s.statuses[id]
	if !tracked || prev == status {
		s.mu.Unlock()
		return
	}
	s.statuses[id] = status
	s.mu.Unlock()

	line := fmt.Sprintf("task #%d: %s", id, renderStatus(status))
	if status == domain.StatusFailed && errMsg != "" {
		line += " " + errorStyle.Render(errMsg)
	}
	fmt.Fprintln(s, line)
	s.checkSettled()
}

// checkSettled closes the done channel when every tracked task has settled.
func (s *runSession) checkSettled() {
	s.mu.Lock()
	for id, status := range s.statuses {
		if status == "" {
			// Not yet observed; consult the store directly.
			task, err := s.rt.Engine.GetTask(id)
			if err != nil || task == nil {
				continue
			}
			status = task.Status
			s.statuses[id] = status
		}
		if !settled(status) {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// result summarizes the final statuses as the command's exit error.
func (s *runSession) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []int
	for id, status := range s.statuses {
		if status == domain.StatusFailed {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Ints(failed)
	parts := make([]string, len(failed))
	for i, id := range failed {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return fmt.Errorf("task(s) %s failed", strings.Join(parts, ", "))
}

// controlLoop reads control commands from stdin until the session ends.
func (s *runSession) controlLoop(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-s.done:
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.dispatchCommand(line); err != nil {
			fmt.Fprintln(s, errorStyle.Render(err.Error()))
		}
	}
}

// dispatchCommand applies one interactive control command.
func (s *runSession) dispatchCommand(line string) error {
	fields := strings.Fields(line)
	verb := fields[0]

	if verb == "list" {
		s.mu.Lock()
		ids := make([]int, 0, len(s.statuses))
		for id := range s.statuses {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		sort.Ints(ids)
		for _, id := range ids {
			task, err := s.rt.Engine.GetTask(id)
			if err != nil {
				continue
			}
			fmt.Fprintf(s, "  #%d %s %s\n", id, renderStatus(task.Status), truncate(task.Description, 50))
		}
		if n, err := s.rt.Engine.Backlog(); err == nil {
			fmt.Fprintf(s, "  backlog: %d\n", n)
		}
		return nil
	}

	if len(fields) < 2 {
		return fmt.Errorf("usage: %s <id>", verb)
	}
	id, err := parseTaskID(fields[1])
	if err != nil {
		return err
	}

	switch verb {
	case "approve":
		return s.rt.Engine.ApprovePlan(id)
	case "reject":
		feedback := strings.Join(fields[2:], " ")
		if feedback == "" {
			return fmt.Errorf("usage: reject <id> <feedback>")
		}
		return s.rt.Engine.RejectPlan(id, feedback)
	case "pause":
		return s.rt.Engine.Pause(id)
	case "resume":
		return s.rt.Engine.Resume(id)
	case "stop":
		return s.rt.Engine.Stop(id)
	case "restart":
		return s.rt.Engine.Restart(id)
	case "reorder":
		ids := make([]int, 0, len(fields)-1)
		for _, f := range fields[1:] {
			n, err := parseTaskID(f)
			if err != nil {
				return err
			}
			ids = append(ids, n)
		}
		return s.rt.Engine.Reorder(ids)
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}
