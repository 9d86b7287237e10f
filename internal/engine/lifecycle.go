package engine

import (
	"fmt"

	"github.com/runoshun/foreman/internal/domain"
)

// Start queues a task for execution and triggers dispatch.
func (e *Engine) Start(id int) error {
	e.mu.Lock()
	task, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	var events []domain.Event
	if task.Status != domain.StatusQueued {
		if err := e.setStatusLocked(task, domain.StatusQueued); err != nil {
			e.mu.Unlock()
			return err
		}
		events = append(events, e.event(domain.EventTaskUpdated, task))
	}
	e.q.Enqueue(id)
	events = append(events, e.dispatchLocked()...)
	e.mu.Unlock()

	e.emit(events...)
	return nil
}

// Pause suspends a running task. The dispatch slot is released so another
// task may run while this one is suspended.
func (e *Engine) Pause(id int) error {
	e.mu.Lock()
	task, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.setStatusLocked(task, domain.StatusPaused); err != nil {
		e.mu.Unlock()
		return err
	}
	h := e.handles[id]
	e.q.ClearCurrent(id)
	events := append([]domain.Event{e.event(domain.EventTaskUpdated, task)}, e.dispatchLocked()...)
	e.mu.Unlock()

	if h != nil {
		if err := h.backend.Pause(id); err != nil {
			e.logger.Warn(id, "engine", "backend pause: "+err.Error())
		}
	}
	e.emit(events...)
	return nil
}

// Resume continues a paused task in place.
func (e *Engine) Resume(id int) error {
	e.mu.Lock()
	task, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.setStatusLocked(task, domain.StatusRunning); err != nil {
		e.mu.Unlock()
		return err
	}
	h := e.handles[id]
	if h != nil {
		e.q.MarkCurrent(id)
	}
	e.mu.Unlock()

	if h != nil {
		if err := h.backend.Resume(id); err != nil {
			e.logger.Warn(id, "engine", "backend resume: "+err.Error())
		}
	}
	e.emit(e.event(domain.EventTaskUpdated, task))
	return nil
}

// Stop terminates a task: a backlog entry is withdrawn, a dispatched one
// gets the backend stop signal. Stopping an already-terminal task is a
// no-op.
func (e *Engine) Stop(id int) error {
	e.mu.Lock()
	task, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	events := e.stopLocked(task)
	e.mu.Unlock()

	e.emit(events...)
	return nil
}

// stopLocked performs the stop under the engine mutex and returns the
// events to emit. The status is set before the backend signal so the
// termination callback sees the stop as already handled.
func (e *Engine) stopLocked(task *domain.Task) []domain.Event {
	if task.Status.IsTerminal() {
		return nil
	}
	e.cancelResumeTimerLocked(task.ID)
	e.q.Remove(task.ID)

	if err := e.setStatusLocked(task, domain.StatusStopped); err != nil {
		e.logger.Warn(task.ID, "engine", "stop transition: "+err.Error())
		return nil
	}
	if h := e.handles[task.ID]; h != nil {
		if err := h.backend.Stop(task.ID); err != nil {
			e.logger.Warn(task.ID, "engine", "backend stop: "+err.Error())
		}
	}
	return []domain.Event{
		e.event(domain.EventTaskStopped, task),
		e.event(domain.EventTaskUpdated, task),
	}
}

// Restart re-queues a finished task for another run. Terminal error state
// is cleared; the session identifier survives so the next run can
// continue prior context.
func (e *Engine) Restart(id int) error {
	e.mu.Lock()
	task, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if e.handles[id] != nil {
		e.mu.Unlock()
		return fmt.Errorf("task %d is running: %w", id, domain.ErrInvalidTransition)
	}

	task.Error = ""
	task.ExitCode = nil
	task.ExecutionStep = ""
	var events []domain.Event
	if !task.Status.CanTransitionTo(domain.StatusQueued) {
		// Terminal states without a direct queued edge route through
		// pending first.
		if err := e.setStatusLocked(task, domain.StatusPending); err != nil {
			e.mu.Unlock()
			return err
		}
		events = append(events, e.event(domain.EventTaskUpdated, task))
	}
	if err := e.setStatusLocked(task, domain.StatusQueued); err != nil {
		e.mu.Unlock()
		return err
	}
	events = append(events, e.event(domain.EventTaskUpdated, task))
	e.q.Enqueue(id)
	events = append(events, e.dispatchLocked()...)
	e.mu.Unlock()

	e.emit(events...)
	return nil
}
