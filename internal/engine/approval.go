package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/runoshun/foreman/internal/domain"
)

// subtaskTurnDefault caps a sub-task invocation when the parent carries
// no turn limit of its own.
const subtaskTurnDefault = 10

// ApprovePlan accepts a generated plan. A backend still suspended on the
// approval marker is resumed in place; otherwise the task is re-queued
// with continuation parameters carrying the approved content and the
// multi-subtask flag.
func (e *Engine) ApprovePlan(id int) error {
	e.mu.Lock()
	task, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if task.Status != domain.StatusAwaitingApproval || task.Plan == nil {
		e.mu.Unlock()
		return fmt.Errorf("task %d has no plan awaiting approval: %w", id, domain.ErrInvalidTransition)
	}

	task.Plan.Status = domain.PlanApproved
	var events []domain.Event
	h := e.handles[id]
	if h != nil {
		// Backend suspended mid-stream; resume where it stopped.
		if err := e.setStatusLocked(task, domain.StatusRunning); err != nil {
			e.mu.Unlock()
			return err
		}
	} else {
		task.Params.ApprovedPlan = task.Plan.Content
		task.Params.Multitask = len(task.Plan.Tasks) > 0
		if err := e.setStatusLocked(task, domain.StatusQueued); err != nil {
			e.mu.Unlock()
			return err
		}
		e.q.Enqueue(id)
		events = e.dispatchLocked()
	}
	ev := e.event(domain.EventPlanApproved, task)
	ev.Plan = task.Plan
	events = append([]domain.Event{ev, e.event(domain.EventTaskUpdated, task)}, events...)
	e.mu.Unlock()

	if h != nil {
		if err := h.backend.Resume(id); err != nil {
			e.logger.Warn(id, "engine", "resume after approval: "+err.Error())
		}
	}
	e.emit(events...)
	return nil
}

// RejectPlan sends a plan back with feedback. The task is re-queued to
// regenerate a revised plan; the plan version counter increments.
func (e *Engine) RejectPlan(id int, feedback string) error {
	e.mu.Lock()
	task, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if task.Status != domain.StatusAwaitingApproval || task.Plan == nil {
		e.mu.Unlock()
		return fmt.Errorf("task %d has no plan awaiting approval: %w", id, domain.ErrInvalidTransition)
	}

	task.Plan.Status = domain.PlanRejected
	task.Plan.Feedback = feedback
	task.Plan.Version++
	task.Params.RejectedPlan = task.Plan.Content
	task.Params.Feedback = feedback
	if err := e.setStatusLocked(task, domain.StatusQueued); err != nil {
		e.mu.Unlock()
		return err
	}

	h := e.handles[id]
	var events []domain.Event
	if h == nil {
		e.q.Enqueue(id)
		events = e.dispatchLocked()
	}
	ev := e.event(domain.EventPlanRejected, task)
	ev.Plan = task.Plan
	events = append([]domain.Event{ev, e.event(domain.EventTaskUpdated, task)}, events...)
	e.mu.Unlock()

	if h != nil {
		// The suspended backend is discarded; the termination callback
		// finds the queued status and re-enters the task into the
		// backlog once the slot frees up.
		if err := h.backend.Stop(id); err != nil {
			e.logger.Warn(id, "engine", "stop after rejection: "+err.Error())
		}
	}
	e.emit(events...)
	return nil
}

// runSubtasks executes an approved plan one focused invocation per
// sub-task, reusing the session so each invocation continues prior
// context. A sub-task failure is recorded on that sub-task only.
func (e *Engine) runSubtasks(ctx context.Context, task *domain.Task, h *handle) {
	spec := task.Plan
	fired := make(map[string]struct{})
	sessionID := task.Params.SessionID
	budget := task.Params.BudgetUSD
	spentUSD := task.CostUSD
	costUSD := 0.0
	anyRan := false
	overBudget := false

	for i := range spec.Tasks {
		sub := &spec.Tasks[i]
		if sub.Status == domain.PlanTaskCompleted {
			continue
		}
		if stopped := e.subtaskAborted(task.ID); stopped {
			break
		}
		if budget > 0 && spentUSD+costUSD >= budget {
			overBudget = true
			break
		}
		anyRan = true

		e.markSubtask(task.ID, sub.ID, domain.PlanTaskInProgress)
		e.emit(subtaskEvent(domain.EventSubtaskStarted, task.ID, sub, e.clock.Now()))

		invocation := *task
		invocation.Description = subtaskPrompt(task.Description, spec, sub)
		invocation.Params.Multitask = false
		invocation.Params.SessionID = sessionID
		invocation.Params.MaxTurns = subtaskTurns(task.Params.MaxTurns)

		res, err := h.backend.Execute(ctx, &invocation)
		if res != nil {
			costUSD += res.CostMetric
		}
		switch {
		case err != nil:
			e.logger.Warn(task.ID, "engine", fmt.Sprintf("sub-task %s: %s", sub.ID, err))
			sub.Status = domain.PlanTaskFailed
		case res.Canceled:
			// Stop during a sub-task; leave it where it was.
			sub.Status = domain.PlanTaskPending
		case res.Success:
			sub.Status = domain.PlanTaskCompleted
			if res.SessionID != "" {
				sessionID = res.SessionID
			}
		default:
			e.logger.Warn(task.ID, "engine", fmt.Sprintf("sub-task %s failed: %s", sub.ID, res.Err))
			sub.Status = domain.PlanTaskFailed
		}
		e.markSubtask(task.ID, sub.ID, sub.Status)
		if res != nil && res.Canceled {
			break
		}
		e.emit(subtaskEvent(domain.EventSubtaskCompleted, task.ID, sub, e.clock.Now()))

		if sub.Phase != "" && spec.PhaseDone(sub.Phase) {
			if _, done := fired[sub.Phase]; !done {
				fired[sub.Phase] = struct{}{}
				e.emit(domain.Event{
					Type:   domain.EventPhaseCompleted,
					Time:   e.clock.Now(),
					TaskID: task.ID,
					Phase:  sub.Phase,
				})
			}
		}
	}

	res := &domain.ExecResult{Success: anyRan || len(spec.Remaining()) == 0, SessionID: sessionID, CostMetric: costUSD}
	if overBudget {
		res.Success = false
		res.Err = fmt.Sprintf("cost budget exceeded: spent $%.2f of $%.2f with %d sub-task(s) remaining",
			spentUSD+costUSD, budget, len(spec.Remaining()))
	}
	if e.subtaskAborted(task.ID) {
		res.Success = false
		res.Canceled = true
	}
	e.finish(task, h, res, nil)
}

// subtaskAborted reports whether the parent task left running.
func (e *Engine) subtaskAborted(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, err := e.tasks.Get(id)
	return err != nil || task == nil || task.Status != domain.StatusRunning
}

// markSubtask persists one sub-task's status on the stored plan.
func (e *Engine) markSubtask(taskID int, subID string, status domain.PlanTaskStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, err := e.tasks.Get(taskID)
	if err != nil || task == nil || task.Plan == nil {
		return
	}
	sub := task.Plan.FindTask(subID)
	if sub == nil {
		return
	}
	sub.Status = status
	if err := e.tasks.Save(task); err != nil {
		e.logger.Warn(taskID, "engine", "save sub-task status: "+err.Error())
	}
}

func subtaskEvent(t domain.EventType, taskID int, sub *domain.PlanTask, at time.Time) domain.Event {
	c := *sub
	return domain.Event{Type: t, Time: at, TaskID: taskID, Subtask: &c}
}

// subtaskPrompt builds the focused prompt for one sub-task: the overall
// plan, what is already done, what remains, and the current focus.
func subtaskPrompt(parent string, spec *domain.PlanSpec, current *domain.PlanTask) string {
	var sb strings.Builder
	sb.WriteString("Overall goal: ")
	sb.WriteString(parent)
	sb.WriteString("\n\nApproved plan:\n")
	sb.WriteString(spec.Content)

	if completed := spec.Completed(); len(completed) > 0 {
		sb.WriteString("\n\nAlready completed:\n")
		for _, t := range completed {
			sb.WriteString("- " + t.ID + ": " + t.Description + "\n")
		}
	}
	if remaining := spec.Remaining(); len(remaining) > 0 {
		sb.WriteString("\nRemaining:\n")
		for _, t := range remaining {
			sb.WriteString("- " + t.ID + ": " + t.Description + "\n")
		}
	}

	sb.WriteString("\nFocus only on " + current.ID + ": " + current.Description)
	if current.File != "" {
		sb.WriteString(" (file: " + current.File + ")")
	}
	sb.WriteString("\nWhen done, print FOREMAN_TASK_COMPLETE: " + current.ID)
	return sb.String()
}

// subtaskTurns restricts one invocation to at most the parent's turn
// budget, halving it when there is room to halve.
func subtaskTurns(parent int) int {
	if parent <= 0 {
		return subtaskTurnDefault
	}
	if parent == 1 {
		return 1
	}
	return parent / 2
}
