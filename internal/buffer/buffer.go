// Package buffer holds per-task output in memory, fans appended lines out
// to subscribers, and flushes incrementally to the durable store.
package buffer

import (
	"fmt"
	"sync"

	"github.com/runoshun/foreman/internal/domain"
)

// Subscriber receives every line appended for a task, exactly once.
type Subscriber func(domain.OutputLine)

// taskBuffer is the in-memory state for one task.
// flushed is the index of the first line not yet persisted.
type taskBuffer struct {
	subs    map[int]Subscriber
	lines   []domain.OutputLine
	flushed int
	dirty   bool
}

// Buffer is the append-only output log for all tasks.
type Buffer struct {
	store  domain.OutputRepository
	logger domain.Logger
	clock  domain.Clock
	tasks  map[int]*taskBuffer
	nextID int
	mu     sync.Mutex
}

// New creates a Buffer backed by the given output store.
func New(store domain.OutputRepository, logger domain.Logger, clock domain.Clock) *Buffer {
	return &Buffer{
		store:  store,
		logger: logger,
		clock:  clock,
		tasks:  make(map[int]*taskBuffer),
	}
}

func (b *Buffer) task(taskID int) *taskBuffer {
	tb, ok := b.tasks[taskID]
	if !ok {
		tb = &taskBuffer{subs: make(map[int]Subscriber)}
		b.tasks[taskID] = tb
	}
	return tb
}

// Append records a line and synchronously notifies all current subscribers.
// Content is stored byte-for-byte; subscriber panics are logged, never
// propagated.
func (b *Buffer) Append(taskID int, content string, stream domain.Stream) domain.OutputLine {
	b.mu.Lock()
	line := domain.OutputLine{
		TaskID:  taskID,
		Time:    b.clock.Now(),
		Content: content,
		Stream:  stream,
	}
	tb := b.task(taskID)
	tb.lines = append(tb.lines, line)
	tb.dirty = true
	subs := make([]Subscriber, 0, len(tb.subs))
	for _, s := range tb.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(taskID, s, line)
	}
	return line
}

// deliver invokes one subscriber, isolating the rest from its panics.
func (b *Buffer) deliver(taskID int, s Subscriber, line domain.OutputLine) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error(taskID, "output", fmt.Sprintf("subscriber panic: %v", r))
		}
	}()
	s(line)
}

// Lines returns a copy of the in-memory lines for a task, in append order.
func (b *Buffer) Lines(taskID int) []domain.OutputLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	tb, ok := b.tasks[taskID]
	if !ok {
		return nil
	}
	out := make([]domain.OutputLine, len(tb.lines))
	copy(out, tb.lines)
	return out
}

// Subscribe registers a callback for a task and returns its cancel func.
// Multiple independent subscribers are supported.
func (b *Buffer) Subscribe(taskID int, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	tb := b.task(taskID)
	id := b.nextID
	b.nextID++
	tb.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if tb, ok := b.tasks[taskID]; ok {
			delete(tb.subs, id)
		}
	}
}

// Persist flushes lines added since the last successful flush. A no-op if
// the task buffer is not dirty.
func (b *Buffer) Persist(taskID int) error {
	b.mu.Lock()
	tb, ok := b.tasks[taskID]
	if !ok || !tb.dirty {
		b.mu.Unlock()
		return nil
	}
	pending := make([]domain.OutputLine, len(tb.lines)-tb.flushed)
	copy(pending, tb.lines[tb.flushed:])
	target := len(tb.lines)
	b.mu.Unlock()

	if len(pending) > 0 {
		if err := b.store.AppendLines(taskID, pending); err != nil {
			return fmt.Errorf("persist output: %w", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	tb.flushed = target
	tb.dirty = tb.flushed < len(tb.lines)
	return nil
}

// Load replaces the in-memory buffer with the durably stored lines and
// resets flush bookkeeping. Used to rehydrate after a restart.
func (b *Buffer) Load(taskID int) error {
	lines, err := b.store.LoadLines(taskID)
	if err != nil {
		return fmt.Errorf("load output: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tb := b.task(taskID)
	tb.lines = lines
	tb.flushed = len(lines)
	tb.dirty = false
	return nil
}

// Clear empties both memory and durable storage for a task. Subscribers
// stay registered.
func (b *Buffer) Clear(taskID int) error {
	if err := b.store.ClearLines(taskID); err != nil {
		return fmt.Errorf("clear output: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if tb, ok := b.tasks[taskID]; ok {
		tb.lines = nil
		tb.flushed = 0
		tb.dirty = false
	}
	return nil
}
