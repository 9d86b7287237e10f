package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/runoshun/foreman/internal/domain"
	"github.com/runoshun/foreman/internal/plan"
)

// dispatchLocked fills free dispatch slots from the backlog head. Deleted
// tasks are skipped without error. Returns the events to emit once the
// engine mutex is released.
func (e *Engine) dispatchLocked() []domain.Event {
	var events []domain.Event
	for !e.q.IsProcessing() {
		id, ok := e.q.Dequeue()
		if !ok {
			break
		}
		task, err := e.tasks.Get(id)
		if err != nil {
			e.logger.Error(id, "engine", "dispatch load: "+err.Error())
			continue
		}
		if task == nil {
			// Deleted while queued; move on to the next head.
			continue
		}

		// The backend invocation keeps the continuation parameters; the
		// stored task drops them so they last exactly one cycle.
		exec := *task
		task.Params.ClearContinuation()
		task.StartedAt = e.clock.Now()
		task.Sessions++
		task.Error = ""
		if err := e.setStatusLocked(task, domain.StatusRunning); err != nil {
			e.logger.Error(id, "engine", "dispatch transition: "+err.Error())
			continue
		}
		exec.Status = domain.StatusRunning
		exec.StartedAt = task.StartedAt
		exec.Sessions = task.Sessions

		if task.Params.BudgetUSD > 0 && task.CostUSD >= task.Params.BudgetUSD {
			task.Error = fmt.Sprintf("cost budget exceeded: spent $%.2f of $%.2f", task.CostUSD, task.Params.BudgetUSD)
			task.CompletedAt = e.clock.Now()
			if err := e.setStatusLocked(task, domain.StatusFailed); err != nil {
				e.logger.Error(id, "engine", "budget fail transition: "+err.Error())
			}
			events = append(events, e.event(domain.EventTaskFailed, task))
			continue
		}

		backend, ok := e.backends[task.Service]
		if !ok {
			task.Error = fmt.Sprintf("no backend for service %q", task.Service)
			if err := e.setStatusLocked(task, domain.StatusFailed); err != nil {
				e.logger.Error(id, "engine", "dispatch fail transition: "+err.Error())
			}
			events = append(events, e.event(domain.EventTaskFailed, task))
			continue
		}

		h := &handle{
			backend: backend,
			scanner: plan.NewScanner(),
			limiter: &rateLimitDetector{},
		}
		if exec.Plan != nil {
			h.tracker = plan.NewTracker(exec.Plan)
		}
		h.unsubscribe = e.out.Subscribe(id, func(line domain.OutputLine) {
			e.onLine(id, h, line)
		})
		e.handles[id] = h
		e.q.MarkCurrent(id)

		events = append(events,
			e.event(domain.EventTaskStarted, task),
			e.event(domain.EventTaskUpdated, task),
		)
		go e.run(&exec, h)
	}
	return events
}

// run executes one dispatched task to termination.
func (e *Engine) run(task *domain.Task, h *handle) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.mu.Lock()
	h.cancel = cancel
	e.mu.Unlock()

	if task.Params.Multitask && task.Plan != nil && task.Plan.Status == domain.PlanApproved && len(task.Plan.Tasks) > 0 {
		e.runSubtasks(ctx, task, h)
		return
	}

	res, err := h.backend.Execute(ctx, task)
	e.finish(task, h, res, err)
}

// finish classifies a backend result into the task's next status and
// dispatches the next backlog entry. If the stored status already left
// running (user stop, approval parking, plan rejection), the result is
// treated as handled.
func (e *Engine) finish(task *domain.Task, h *handle, res *domain.ExecResult, execErr error) {
	// The scanner may be holding back a marker whose label ended exactly
	// at the stream tail; the stream is closed now, so it is final.
	if ms := h.scanner.Flush(); len(ms) > 0 {
		var events []domain.Event
		for _, m := range ms {
			events = append(events, e.applyMarker(task.ID, h, m)...)
		}
		e.emit(events...)
	}

	if err := e.out.Persist(task.ID); err != nil {
		e.logger.Warn(task.ID, "engine", "persist output: "+err.Error())
	}

	e.mu.Lock()
	h.unsubscribe()

	stored, err := e.tasks.Get(task.ID)
	if err != nil || stored == nil {
		e.cleanupLocked(task.ID, nil)
		events := e.dispatchLocked()
		e.mu.Unlock()
		e.emit(events...)
		return
	}

	var events []domain.Event
	if stored.Status == domain.StatusRunning {
		events = e.classifyLocked(stored, h, res, execErr)
	}
	e.cleanupLocked(task.ID, stored)
	events = append(events, e.dispatchLocked()...)
	e.mu.Unlock()

	e.emit(events...)
	e.captureChanges(stored)
}

// classifyLocked derives the terminal status from the backend result.
func (e *Engine) classifyLocked(task *domain.Task, h *handle, res *domain.ExecResult, execErr error) []domain.Event {
	now := e.clock.Now()

	if execErr != nil {
		task.Error = execErr.Error()
		task.CompletedAt = now
		if err := e.setStatusLocked(task, domain.StatusFailed); err != nil {
			e.logger.Error(task.ID, "engine", "fail transition: "+err.Error())
			return nil
		}
		return []domain.Event{e.event(domain.EventTaskFailed, task), e.event(domain.EventTaskUpdated, task)}
	}

	if res.SessionID != "" {
		task.Params.SessionID = res.SessionID
	}
	task.CostUSD += res.CostMetric

	if res.Canceled {
		// Out-of-band cancellation that did not come through Stop (for
		// example an engine shutdown); never classified as failed.
		if err := e.setStatusLocked(task, domain.StatusStopped); err != nil {
			e.logger.Error(task.ID, "engine", "cancel transition: "+err.Error())
			return nil
		}
		return []domain.Event{e.event(domain.EventTaskStopped, task), e.event(domain.EventTaskUpdated, task)}
	}

	if resetAt, limited := h.limiter.Limited(); limited && !res.Success {
		return e.rescheduleRateLimitedLocked(task, resetAt)
	}

	if res.Success {
		task.ExitCode = res.ExitCode
		task.CompletedAt = now
		to := domain.StatusCompleted
		if e.reviewGateEnabled() && task.AgentType == domain.AgentFeature {
			to = domain.StatusReview
		}
		if err := e.setStatusLocked(task, to); err != nil {
			e.logger.Error(task.ID, "engine", "complete transition: "+err.Error())
			return nil
		}
		return []domain.Event{e.event(domain.EventTaskCompleted, task), e.event(domain.EventTaskUpdated, task)}
	}

	task.ExitCode = res.ExitCode
	task.CompletedAt = now
	task.Error = res.Err
	if task.Error == "" && res.Signal != "" {
		task.Error = "process killed by signal " + res.Signal
	}
	if task.Error == "" {
		task.Error = "execution failed"
	}
	if err := e.setStatusLocked(task, domain.StatusFailed); err != nil {
		e.logger.Error(task.ID, "engine", "fail transition: "+err.Error())
		return nil
	}
	ev := e.event(domain.EventTaskFailed, task)
	ev.Err = task.Error
	return []domain.Event{ev, e.event(domain.EventTaskUpdated, task)}
}

// rescheduleRateLimitedLocked returns the task to pending and arms the
// resume timer. Rate limits are never recorded as failed.
func (e *Engine) rescheduleRateLimitedLocked(task *domain.Task, resetAt time.Time) []domain.Event {
	wait := rateLimitWait(resetAt, e.clock.Now())
	e.logger.Warn(task.ID, "engine", fmt.Sprintf("rate limited, resuming in %s", wait))

	// running has no direct edge to pending; route through stopped.
	if err := e.setStatusLocked(task, domain.StatusStopped); err != nil {
		e.logger.Error(task.ID, "engine", "rate limit transition: "+err.Error())
		return nil
	}
	task.Error = ""
	task.ExecutionStep = fmt.Sprintf("rate limited until %s", resetAt.Format("15:04:05"))
	if resetAt.IsZero() {
		task.ExecutionStep = "rate limited"
	}
	if err := e.setStatusLocked(task, domain.StatusPending); err != nil {
		e.logger.Error(task.ID, "engine", "rate limit transition: "+err.Error())
		return nil
	}

	id := task.ID
	e.resumeTimers[id] = time.AfterFunc(wait, func() { e.resumeRateLimited(id) })
	return []domain.Event{e.event(domain.EventTaskUpdated, task)}
}

// resumeRateLimited fires when the rate-limit wait elapses. If the task
// is still pending it is re-queued; if the provider is still limited the
// next attempt re-detects and re-arms.
func (e *Engine) resumeRateLimited(id int) {
	e.mu.Lock()
	delete(e.resumeTimers, id)
	task, err := e.tasks.Get(id)
	if err != nil || task == nil || task.Status != domain.StatusPending {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.logger.Info(id, "engine", "rate limit wait elapsed, re-queueing")
	if err := e.Start(id); err != nil {
		e.logger.Error(id, "engine", "rate limit resume: "+err.Error())
	}
}

// cleanupLocked removes the runtime registry entry and releases the
// dispatch slot. A task re-queued while still dispatched (plan rejection)
// re-enters the backlog here, once the slot is free.
func (e *Engine) cleanupLocked(id int, stored *domain.Task) {
	delete(e.handles, id)
	e.q.ClearCurrent(id)
	if stored != nil && stored.Status == domain.StatusQueued {
		e.q.Enqueue(id)
	}
}

// onLine feeds one output line through rate-limit detection and the
// marker scanner, and mirrors it to engine subscribers.
func (e *Engine) onLine(id int, h *handle, line domain.OutputLine) {
	h.limiter.Feed(line.Content)

	var events []domain.Event
	lineCopy := line
	ev := domain.Event{Type: domain.EventOutput, Time: line.Time, TaskID: id, Line: &lineCopy}
	events = append(events, ev)

	for _, m := range h.scanner.Feed(line.Content) {
		events = append(events, e.applyMarker(id, h, m)...)
	}
	e.emit(events...)
}

// applyMarker folds one detected marker into planning state.
func (e *Engine) applyMarker(id int, h *handle, m plan.Marker) []domain.Event {
	switch m.Kind {
	case plan.MarkerAwaitingApproval:
		return e.parkForApproval(id, h)

	case plan.MarkerAutoApproved:
		return e.recordAutoApprovedPlan(id, h)

	case plan.MarkerTaskStart, plan.MarkerTaskComplete, plan.MarkerPhaseComplete:
		return e.applyProgressMarker(id, h, m)
	}
	return nil
}

// parkForApproval stores the generated plan and parks the task in
// awaiting_approval. A suspend-capable backend is paused in place; others
// keep running and are parked when they terminate.
func (e *Engine) parkForApproval(id int, h *handle) []domain.Event {
	e.mu.Lock()
	task, err := e.tasks.Get(id)
	if err != nil || task == nil || task.Status != domain.StatusRunning {
		e.mu.Unlock()
		return nil
	}

	content := h.scanner.Text()
	version := 1
	if task.Plan != nil {
		version = task.Plan.Version
	}
	spec := &domain.PlanSpec{
		Status:  domain.PlanGenerated,
		Content: content,
		Tasks:   plan.ParseTasks(content),
		Version: version,
	}
	task.Plan = spec
	h.tracker = plan.NewTracker(spec)
	if err := e.setStatusLocked(task, domain.StatusAwaitingApproval); err != nil {
		e.logger.Error(id, "engine", "approval transition: "+err.Error())
		e.mu.Unlock()
		return nil
	}
	suspend := h.backend.Capabilities().SupportsSuspend
	e.mu.Unlock()

	if suspend {
		if err := h.backend.Pause(id); err != nil {
			e.logger.Warn(id, "engine", "pause for approval: "+err.Error())
		}
	}
	ev := e.event(domain.EventPlanGenerated, task)
	ev.Plan = spec
	return []domain.Event{ev, e.event(domain.EventTaskUpdated, task)}
}

// recordAutoApprovedPlan stores the plan as approved and lets execution
// continue uninterrupted.
func (e *Engine) recordAutoApprovedPlan(id int, h *handle) []domain.Event {
	e.mu.Lock()
	task, err := e.tasks.Get(id)
	if err != nil || task == nil {
		e.mu.Unlock()
		return nil
	}
	content := h.scanner.Text()
	version := 1
	if task.Plan != nil {
		version = task.Plan.Version
	}
	spec := &domain.PlanSpec{
		Status:  domain.PlanApproved,
		Content: content,
		Tasks:   plan.ParseTasks(content),
		Version: version,
	}
	task.Plan = spec
	h.tracker = plan.NewTracker(spec)
	if err := e.tasks.Save(task); err != nil {
		e.logger.Error(id, "engine", "save auto-approved plan: "+err.Error())
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	ev := e.event(domain.EventPlanApproved, task)
	ev.Plan = spec
	return []domain.Event{ev, e.event(domain.EventTaskUpdated, task)}
}

// applyProgressMarker updates sub-task state from a progress marker.
func (e *Engine) applyProgressMarker(id int, h *handle, m plan.Marker) []domain.Event {
	e.mu.Lock()
	if h.tracker == nil {
		e.mu.Unlock()
		return nil
	}
	sub, phases := h.tracker.Apply(m)
	task, err := e.tasks.Get(id)
	if err != nil || task == nil {
		e.mu.Unlock()
		return nil
	}
	// The tracker mutated the handle's plan copy; mirror it to the store.
	if h.tracker != nil && task.Plan != nil && sub != nil {
		if stored := task.Plan.FindTask(sub.ID); stored != nil {
			stored.Status = sub.Status
			if err := e.tasks.Save(task); err != nil {
				e.logger.Warn(id, "engine", "save sub-task progress: "+err.Error())
			}
		}
	}
	e.mu.Unlock()

	var events []domain.Event
	if sub != nil {
		t := domain.EventSubtaskStarted
		if m.Kind == plan.MarkerTaskComplete {
			t = domain.EventSubtaskCompleted
		}
		ev := domain.Event{Type: t, Time: e.clock.Now(), TaskID: id}
		c := *sub
		ev.Subtask = &c
		events = append(events, ev)
	}
	for _, phase := range phases {
		events = append(events, domain.Event{
			Type:   domain.EventPhaseCompleted,
			Time:   e.clock.Now(),
			TaskID: id,
			Phase:  phase,
		})
	}
	return events
}

// reviewGateEnabled reports whether successful feature tasks land in
// review instead of completed.
func (e *Engine) reviewGateEnabled() bool {
	cfg, err := e.config.Load()
	if err != nil {
		return false
	}
	return cfg.Review
}

// captureChanges appends a best-effort change summary for terminal tasks.
// Failure here is logged, never escalated into the task status.
func (e *Engine) captureChanges(task *domain.Task) {
	if task == nil || (task.Status != domain.StatusCompleted && task.Status != domain.StatusReview) {
		return
	}
	summary, err := e.repos.Summary(task.Project, false)
	if err != nil {
		e.logger.Warn(task.ID, "engine", "change summary: "+err.Error())
		return
	}
	if summary == nil || (len(summary.Created)+len(summary.Modified)+len(summary.Deleted)) == 0 {
		return
	}
	var sb strings.Builder
	sb.WriteString("\n[Changes]")
	for _, f := range summary.Created {
		sb.WriteString("\n  A " + f)
	}
	for _, f := range summary.Modified {
		sb.WriteString("\n  M " + f)
	}
	for _, f := range summary.Deleted {
		sb.WriteString("\n  D " + f)
	}
	sb.WriteString("\n")
	e.out.Append(task.ID, sb.String(), domain.StreamPrimary)
	if err := e.out.Persist(task.ID); err != nil {
		e.logger.Warn(task.ID, "engine", "persist output: "+err.Error())
	}
}
