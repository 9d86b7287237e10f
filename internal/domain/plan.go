package domain

// PlanStatus tracks where a generated plan is in the approval workflow.
type PlanStatus string

const (
	PlanGenerated PlanStatus = "generated"
	PlanApproved  PlanStatus = "approved"
	PlanRejected  PlanStatus = "rejected"
)

// PlanSpec holds the plan generated by an agent for a task.
type PlanSpec struct {
	Status   PlanStatus `json:"status"`
	Content  string     `json:"content"` // Raw generated text, stored verbatim
	Feedback string     `json:"feedback,omitempty"`
	Tasks    []PlanTask `json:"tasks,omitempty"`
	Version  int        `json:"version"`
}

// PlanTaskStatus is the lifecycle of one parsed sub-task.
type PlanTaskStatus string

const (
	PlanTaskPending    PlanTaskStatus = "pending"
	PlanTaskInProgress PlanTaskStatus = "in_progress"
	PlanTaskCompleted  PlanTaskStatus = "completed"
	PlanTaskFailed     PlanTaskStatus = "failed"
)

// PlanTask is one parsed unit of an approved plan.
type PlanTask struct {
	ID          string         `json:"id"` // Sequential, pattern T###
	Description string         `json:"description"`
	File        string         `json:"file,omitempty"`
	Phase       string         `json:"phase,omitempty"`
	Status      PlanTaskStatus `json:"status"`
}

// FindTask returns the sub-task with the given id, or nil.
func (p *PlanSpec) FindTask(id string) *PlanTask {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Remaining returns sub-tasks not yet completed.
func (p *PlanSpec) Remaining() []PlanTask {
	var out []PlanTask
	for _, t := range p.Tasks {
		if t.Status != PlanTaskCompleted {
			out = append(out, t)
		}
	}
	return out
}

// Completed returns sub-tasks that reached completed.
func (p *PlanSpec) Completed() []PlanTask {
	var out []PlanTask
	for _, t := range p.Tasks {
		if t.Status == PlanTaskCompleted {
			out = append(out, t)
		}
	}
	return out
}

// PhaseDone reports whether every sub-task sharing the phase label completed.
func (p *PlanSpec) PhaseDone(phase string) bool {
	seen := false
	for _, t := range p.Tasks {
		if t.Phase != phase {
			continue
		}
		seen = true
		if t.Status != PlanTaskCompleted {
			return false
		}
	}
	return seen
}
