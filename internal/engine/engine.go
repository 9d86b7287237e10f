package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/runoshun/foreman/internal/buffer"
	"github.com/runoshun/foreman/internal/domain"
	"github.com/runoshun/foreman/internal/plan"
)

// handle is the runtime registry entry for a dispatched task. Created on
// dispatch, removed on termination; never outlives the execution.
type handle struct {
	cancel      context.CancelFunc
	backend     domain.Backend
	scanner     *plan.Scanner
	tracker     *plan.Tracker
	limiter     *rateLimitDetector
	unsubscribe func()
}

// Engine coordinates task scheduling, lifecycle transitions, backend
// routing, and the plan approval workflow. All queue, registry, and
// status mutation is serialized behind one mutex.
type Engine struct {
	tasks        domain.TaskRepository
	out          *buffer.Buffer
	config       domain.ConfigLoader
	repos        domain.RepoStatus
	logger       domain.Logger
	clock        domain.Clock
	backends     map[domain.Service]domain.Backend
	q            *queue
	handles      map[int]*handle
	resumeTimers map[int]*time.Timer
	subs         map[int]domain.EventHandler
	nextSub      int
	mu           sync.Mutex
}

// Params carries the engine's collaborators.
type Params struct {
	Tasks    domain.TaskRepository
	Output   *buffer.Buffer
	Config   domain.ConfigLoader
	Repos    domain.RepoStatus
	Logger   domain.Logger
	Clock    domain.Clock
	Backends []domain.Backend
	Capacity int // Concurrent dispatch slots; minimum 1
}

// New creates an engine.
func New(p Params) *Engine {
	backends := make(map[domain.Service]domain.Backend, len(p.Backends))
	for _, b := range p.Backends {
		backends[b.Service()] = b
	}
	return &Engine{
		tasks:        p.Tasks,
		out:          p.Output,
		config:       p.Config,
		repos:        p.Repos,
		logger:       p.Logger,
		clock:        p.Clock,
		backends:     backends,
		q:            newQueue(p.Capacity),
		handles:      make(map[int]*handle),
		resumeTimers: make(map[int]*time.Timer),
		subs:         make(map[int]domain.EventHandler),
	}
}

// Subscribe registers an event handler and returns its cancel function.
// Every handler sees every event, in emission order.
func (e *Engine) Subscribe(h domain.EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// emit delivers events to all subscribers. Must be called without the
// engine mutex held.
func (e *Engine) emit(events ...domain.Event) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	handlers := make([]domain.EventHandler, 0, len(e.subs))
	for _, h := range e.subs {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (e *Engine) event(t domain.EventType, task *domain.Task) domain.Event {
	ev := domain.Event{Type: t, Time: e.clock.Now()}
	if task != nil {
		c := *task
		ev.Task = &c
		ev.TaskID = task.ID
	}
	return ev
}

// CreateTaskInput describes a new task.
// Fields are ordered to minimize memory padding.
type CreateTaskInput struct {
	Project     string
	Description string
	AgentType   domain.AgentType
	Service     domain.Service
	Params      domain.ExecParams
}

// CreateTask validates the target directory and registers a new pending
// task. Feature tasks must target a version-controlled directory.
func (e *Engine) CreateTask(in CreateTaskInput) (*domain.Task, error) {
	info, err := os.Stat(in.Project)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", in.Project, domain.ErrInvalidDirectory)
	}
	if in.AgentType == domain.AgentFeature && !e.repos.IsRepository(in.Project) {
		return nil, fmt.Errorf("%s: %w", in.Project, domain.ErrNotARepository)
	}
	if _, ok := e.backends[in.Service]; !ok {
		return nil, fmt.Errorf("no backend for service %q: %w", in.Service, domain.ErrInvalidConfiguration)
	}

	e.mu.Lock()
	id, err := e.tasks.NextID()
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("allocate task id: %w", err)
	}
	task := &domain.Task{
		ID:          id,
		Project:     in.Project,
		Description: in.Description,
		AgentType:   in.AgentType,
		Service:     in.Service,
		Params:      in.Params,
		Status:      domain.StatusPending,
		Created:     e.clock.Now(),
	}
	if err := e.tasks.Save(task); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("save task: %w", err)
	}
	e.mu.Unlock()

	e.emit(e.event(domain.EventTaskCreated, task))
	return task, nil
}

// GetTask returns a task by id.
func (e *Engine) GetTask(id int) (*domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getLocked(id)
}

func (e *Engine) getLocked(id int) (*domain.Task, error) {
	task, err := e.tasks.Get(id)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter.
func (e *Engine) ListTasks(filter domain.TaskFilter) ([]*domain.Task, error) {
	return e.tasks.List(filter)
}

// DeleteTask removes a task, its queue entry, and its captured output.
// A dispatched task is stopped first.
func (e *Engine) DeleteTask(id int) error {
	e.mu.Lock()
	task, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.stopLocked(task)
	e.q.Remove(id)
	e.cancelResumeTimerLocked(id)
	if err := e.tasks.Delete(id); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("delete task: %w", err)
	}
	e.mu.Unlock()

	if err := e.out.Clear(id); err != nil {
		e.logger.Warn(id, "engine", "clear output: "+err.Error())
	}
	return nil
}

// UpdateTask is the single mutating entry point for task fields. A status
// change is validated against the transition table; an invalid transition
// rejects the whole update and leaves the task unchanged.
func (e *Engine) UpdateTask(id int, apply func(*domain.Task) error) (*domain.Task, error) {
	e.mu.Lock()
	task, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	prev := task.Status
	if err := apply(task); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := e.saveLocked(task, prev); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	e.emit(e.event(domain.EventTaskUpdated, task))
	return task, nil
}

// saveLocked persists a mutated task after validating any status change.
func (e *Engine) saveLocked(task *domain.Task, prev domain.Status) error {
	if task.Status != prev && !prev.CanTransitionTo(task.Status) {
		return domain.TransitionError(prev, task.Status)
	}
	if err := e.tasks.Save(task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// setStatusLocked transitions a loaded task and persists it.
func (e *Engine) setStatusLocked(task *domain.Task, to domain.Status) error {
	prev := task.Status
	task.Status = to
	if err := e.saveLocked(task, prev); err != nil {
		task.Status = prev
		return err
	}
	return nil
}

// Backlog returns the number of tasks awaiting dispatch (pending plus
// queued).
func (e *Engine) Backlog() (int, error) {
	all, err := e.tasks.List(domain.TaskFilter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range all {
		if t.Status.InBacklog() {
			n++
		}
	}
	return n, nil
}

// Reorder replaces the backlog ordering. The id list must contain exactly
// the queued entries.
func (e *Engine) Reorder(ids []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Reorder(ids)
}

// QueueEntries returns the current backlog ordering.
func (e *Engine) QueueEntries() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Entries()
}

// SetExecutionStep updates the display-only sub-phase label.
func (e *Engine) SetExecutionStep(id int, step string) {
	if _, err := e.UpdateTask(id, func(t *domain.Task) error {
		t.ExecutionStep = step
		return nil
	}); err != nil {
		e.logger.Warn(id, "engine", "set execution step: "+err.Error())
	}
}

func (e *Engine) cancelResumeTimerLocked(id int) {
	if timer, ok := e.resumeTimers[id]; ok {
		timer.Stop()
		delete(e.resumeTimers, id)
	}
}
