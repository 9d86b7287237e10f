package engine

import (
	"github.com/runoshun/foreman/internal/domain"
)

// Recover sweeps tasks left behind by the previous process. Remote tasks
// with a session re-attach and keep running; everything else left in
// running, queued, or paused is forced to stopped with the shutdown
// message. With auto-resume enabled, exactly the swept tasks re-queue.
func (e *Engine) Recover() error {
	all, err := e.tasks.List(domain.TaskFilter{})
	if err != nil {
		return err
	}

	var events []domain.Event
	var resume []int

	e.mu.Lock()
	for _, task := range all {
		switch task.Status {
		case domain.StatusRunning, domain.StatusQueued, domain.StatusPaused:
		default:
			continue
		}

		if err := e.out.Load(task.ID); err != nil {
			e.logger.Warn(task.ID, "engine", "rehydrate output: "+err.Error())
		}

		if task.Service == domain.ServiceRemote && task.Params.SessionID != "" {
			// Re-attach: polling resumes and decides completed vs
			// running from the session itself.
			events = append(events, e.reattachLocked(task)...)
			continue
		}

		prev := task.Status
		task.Status = domain.StatusStopped
		task.Error = domain.ShutdownError
		if err := e.saveLocked(task, prev); err != nil {
			e.logger.Error(task.ID, "engine", "recovery sweep: "+err.Error())
			continue
		}
		e.logger.Info(task.ID, "engine", "swept to stopped on startup")
		events = append(events, e.event(domain.EventTaskStopped, task), e.event(domain.EventTaskUpdated, task))
	}
	e.mu.Unlock()
	e.emit(events...)

	cfg, err := e.config.Load()
	if err != nil {
		e.logger.Warn(0, "engine", "load config for auto-resume: "+err.Error())
		return nil
	}
	if !cfg.Resume {
		return nil
	}

	for _, task := range all {
		fresh, err := e.tasks.Get(task.ID)
		if err != nil || fresh == nil {
			continue
		}
		if fresh.Interrupted() {
			resume = append(resume, fresh.ID)
		}
	}
	for _, id := range resume {
		e.logger.Info(id, "engine", "auto-resuming shutdown-interrupted task")
		if err := e.Start(id); err != nil {
			e.logger.Warn(id, "engine", "auto-resume: "+err.Error())
		}
	}
	return nil
}

// reattachLocked puts a remote task back under dispatch without a fresh
// queue round-trip. The remote backend re-attaches via the stored
// session id; a session that already produced artifacts completes on the
// first poll.
func (e *Engine) reattachLocked(task *domain.Task) []domain.Event {
	// Route everything back through the queue so dispatch owns the slot
	// accounting. running and paused have no direct edge to queued; hop
	// through stopped.
	if task.Status != domain.StatusQueued {
		if err := e.setStatusLocked(task, domain.StatusStopped); err != nil {
			e.logger.Error(task.ID, "engine", "re-attach transition: "+err.Error())
			return nil
		}
		if err := e.setStatusLocked(task, domain.StatusQueued); err != nil {
			e.logger.Error(task.ID, "engine", "re-attach transition: "+err.Error())
			return nil
		}
	}
	e.q.Enqueue(task.ID)
	e.logger.Info(task.ID, "engine", "re-attaching remote session "+task.Params.SessionID)
	return e.dispatchLocked()
}
