package domain

import "time"

// EventType tags an engine notification.
type EventType string

const (
	EventTaskCreated      EventType = "task_created"
	EventTaskUpdated      EventType = "task_updated"
	EventTaskStarted      EventType = "task_started"
	EventTaskStopped      EventType = "task_stopped"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventOutput           EventType = "output"
	EventPlanGenerated    EventType = "plan_generated"
	EventPlanApproved     EventType = "plan_approved"
	EventPlanRejected     EventType = "plan_rejected"
	EventSubtaskStarted   EventType = "subtask_started"
	EventSubtaskCompleted EventType = "subtask_completed"
	EventPhaseCompleted   EventType = "phase_completed"
)

// Event is one tagged engine notification. Exactly the payload fields
// relevant to Type are set.
type Event struct {
	Time    time.Time
	Task    *Task
	Line    *OutputLine
	Plan    *PlanSpec
	Subtask *PlanTask
	Type    EventType
	Phase   string
	Err     string
	TaskID  int
}

// EventHandler receives engine events. Handlers for one subscriber are
// invoked in emission order; a handler must not block.
type EventHandler func(Event)
