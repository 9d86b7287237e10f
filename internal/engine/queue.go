// Package engine owns task scheduling, the lifecycle state machine
// enforcement point, backend routing, crash recovery, and the
// plan/approval workflow.
package engine

import "fmt"

// queue is the backlog ordering plus the registry of currently
// dispatched tasks. Not safe for concurrent use; the engine serializes
// access behind its mutex.
type queue struct {
	entries  []int
	current  map[int]struct{}
	capacity int
}

func newQueue(capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{
		current:  make(map[int]struct{}),
		capacity: capacity,
	}
}

// Enqueue appends a task id. Idempotent: a task already queued or
// currently dispatched is not added again.
func (q *queue) Enqueue(id int) bool {
	if _, running := q.current[id]; running {
		return false
	}
	for _, e := range q.entries {
		if e == id {
			return false
		}
	}
	q.entries = append(q.entries, id)
	return true
}

// Dequeue removes and returns the head.
func (q *queue) Dequeue() (int, bool) {
	if len(q.entries) == 0 {
		return 0, false
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	return head, true
}

// Remove drops a task id from the backlog. No-op if absent.
func (q *queue) Remove(id int) {
	for i, e := range q.entries {
		if e == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Reorder replaces the backlog ordering wholesale. The new ordering must
// contain exactly the current member set.
func (q *queue) Reorder(ids []int) error {
	if len(ids) != len(q.entries) {
		return fmt.Errorf("reorder expects %d ids, got %d", len(q.entries), len(ids))
	}
	members := make(map[int]struct{}, len(q.entries))
	for _, e := range q.entries {
		members[e] = struct{}{}
	}
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := members[id]; !ok {
			return fmt.Errorf("reorder references task %d not in queue", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("reorder lists task %d twice", id)
		}
		seen[id] = struct{}{}
	}
	q.entries = append([]int(nil), ids...)
	return nil
}

// Entries returns the backlog ordering.
func (q *queue) Entries() []int {
	return append([]int(nil), q.entries...)
}

// MarkCurrent records a task as dispatched.
func (q *queue) MarkCurrent(id int) {
	q.current[id] = struct{}{}
}

// ClearCurrent releases a dispatch slot.
func (q *queue) ClearCurrent(id int) {
	delete(q.current, id)
}

// IsCurrent reports whether the task is currently dispatched.
func (q *queue) IsCurrent(id int) bool {
	_, ok := q.current[id]
	return ok
}

// IsProcessing reports whether all dispatch slots are in use.
func (q *queue) IsProcessing() bool {
	return len(q.current) >= q.capacity
}

// Len returns the backlog size.
func (q *queue) Len() int {
	return len(q.entries)
}
