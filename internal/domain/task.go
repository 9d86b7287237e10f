// Package domain contains core business entities and interfaces.
package domain

import "time"

// AgentType classifies what kind of work a task represents.
type AgentType string

const (
	// AgentFeature implements one feature in an existing repository.
	// The target directory must be version-controlled.
	AgentFeature AgentType = "feature"
	// AgentAutonomous builds a project from a backlog; the target
	// directory does not need to be a repository.
	AgentAutonomous AgentType = "autonomous"
)

// Service selects the execution backend for a task.
type Service string

const (
	ServiceLocal  Service = "local"  // External interpreter process
	ServiceACP    Service = "acp"    // In-process ACP streaming session
	ServiceRemote Service = "remote" // Cloud-hosted session, polled
)

// Task represents a unit of agent work.
// Fields are ordered to minimize memory padding.
type Task struct {
	Created       time.Time  `json:"created"`
	StartedAt     time.Time  `json:"startedAt,omitempty"`
	CompletedAt   time.Time  `json:"completedAt,omitempty"`
	ExitCode      *int       `json:"exitCode,omitempty"`
	Plan          *PlanSpec  `json:"plan,omitempty"`
	Project       string     `json:"project"`                 // Target directory
	Description   string     `json:"description"`             // What to build
	ExecutionStep string     `json:"executionStep,omitempty"` // Sub-phase label for display only
	Error         string     `json:"error,omitempty"`
	AgentType     AgentType  `json:"agentType"`
	Service       Service    `json:"service"`
	Status        Status     `json:"status"`
	Params        ExecParams `json:"params"`
	CostUSD       float64    `json:"costUsd,omitempty"` // Cost accumulated across execution attempts
	ID            int        `json:"-"`                 // Stored as map key, not in value
	Sessions      int        `json:"sessions,omitempty"` // Execution attempts so far
}

// ShutdownError is the error recorded on tasks force-stopped by the startup
// sweep. Auto-resume re-queues exactly the tasks carrying this message.
const ShutdownError = "interrupted by shutdown"

// Interrupted reports whether the task was stopped by a shutdown sweep
// rather than by the user.
func (t *Task) Interrupted() bool {
	return t.Status == StatusStopped && t.Error == ShutdownError
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status  *Status // nil = all statuses
	Project string  // empty = all projects
}

// ExecParams is the per-task execution parameter bag.
// Continuation fields are transient: they survive exactly one re-queue
// cycle and are cleared when the task is next dispatched.
type ExecParams struct {
	Env             map[string]string `json:"env,omitempty"`   // Task-level environment overrides
	Model           string            `json:"model,omitempty"` // Model override
	SessionID       string            `json:"sessionId,omitempty"`
	AllowedTools    []string          `json:"allowedTools,omitempty"`
	DisallowedTools []string          `json:"disallowedTools,omitempty"`
	TaskFile        string            `json:"taskFile,omitempty"` // Optional task description file
	MaxTurns        int               `json:"maxTurns,omitempty"`
	MaxIterations   int               `json:"maxIterations,omitempty"`
	BudgetUSD       float64           `json:"budgetUsd,omitempty"`

	// Continuation (transient, one re-queue cycle only).
	ApprovedPlan string `json:"approvedPlan,omitempty"`
	RejectedPlan string `json:"rejectedPlan,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
	Multitask    bool   `json:"multitask,omitempty"`
}

// ClearContinuation drops the transient continuation fields.
func (p *ExecParams) ClearContinuation() {
	p.ApprovedPlan = ""
	p.RejectedPlan = ""
	p.Feedback = ""
	p.Multitask = false
}

// HasContinuation reports whether any continuation field is set.
func (p *ExecParams) HasContinuation() bool {
	return p.ApprovedPlan != "" || p.RejectedPlan != "" || p.Feedback != "" || p.Multitask
}
