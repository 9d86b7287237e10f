package domain

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending          Status = "pending"           // Created, not yet queued
	StatusQueued           Status = "queued"            // Waiting for dispatch
	StatusRunning          Status = "running"           // A backend is executing the task
	StatusPaused           Status = "paused"            // Execution suspended
	StatusAwaitingApproval Status = "awaiting_approval" // Generated plan needs a human decision
	StatusReview           Status = "review"            // Work finished, awaiting review
	StatusCompleted        Status = "completed"         // Finished successfully
	StatusFailed           Status = "failed"            // Terminated with an error
	StatusStopped          Status = "stopped"           // Stopped by the user or a shutdown sweep
	StatusArchived         Status = "archived"          // Kept for history only
)

// AllStatuses returns all valid status values.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusQueued,
		StatusRunning,
		StatusPaused,
		StatusAwaitingApproval,
		StatusReview,
		StatusCompleted,
		StatusFailed,
		StatusStopped,
		StatusArchived,
	}
}

// transitions defines the allowed status transitions.
// Flow: pending → queued → running → {completed | failed | stopped}
// with paused/awaiting_approval/review as detours out of running.
var transitions = map[Status][]Status{
	StatusPending:          {StatusQueued, StatusStopped, StatusCompleted},
	StatusQueued:           {StatusRunning, StatusPending, StatusStopped, StatusCompleted, StatusArchived},
	StatusRunning:          {StatusPaused, StatusAwaitingApproval, StatusReview, StatusCompleted, StatusFailed, StatusStopped},
	StatusPaused:           {StatusRunning, StatusStopped, StatusCompleted},
	StatusAwaitingApproval: {StatusRunning, StatusStopped, StatusFailed, StatusQueued},
	StatusReview:           {StatusQueued, StatusRunning, StatusCompleted, StatusStopped},
	StatusCompleted:        {StatusPending, StatusArchived},
	StatusFailed:           {StatusPending, StatusQueued, StatusArchived},
	StatusStopped:          {StatusPending, StatusQueued, StatusArchived},
	StatusArchived:         {StatusPending},
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status marks the end of an execution attempt.
// Terminal tasks can still be re-queued or archived, but they hold no
// execution handle and cannot be paused or stopped.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusArchived:
		return true
	default:
		return false
	}
}

// InBacklog returns true if the status counts toward the dispatch backlog.
func (s Status) InBacklog() bool {
	return s == StatusPending || s == StatusQueued
}

// IsValid returns true if the status is a known value.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// Display returns a human-readable representation of the status.
func (s Status) Display() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusQueued:
		return "Queued"
	case StatusRunning:
		return "Running"
	case StatusPaused:
		return "Paused"
	case StatusAwaitingApproval:
		return "Awaiting Approval"
	case StatusReview:
		return "Review"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusStopped:
		return "Stopped"
	case StatusArchived:
		return "Archived"
	default:
		return string(s)
	}
}
