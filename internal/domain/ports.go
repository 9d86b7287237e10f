package domain

import (
	"context"
	"fmt"
	"time"
)

// StoreInitializer initializes the data store.
type StoreInitializer interface {
	// Initialize creates the store if it doesn't exist.
	Initialize() error
}

// TaskRepository manages task persistence.
type TaskRepository interface {
	// Get retrieves a task by ID. Returns nil if not found.
	Get(id int) (*Task, error)

	// List retrieves tasks matching the filter, ordered by ID.
	List(filter TaskFilter) ([]*Task, error)

	// Save creates or updates a task.
	Save(task *Task) error

	// Delete removes a task by ID.
	Delete(id int) error

	// NextID returns the next available task ID.
	NextID() (int, error)
}

// OutputRepository stores captured output lines durably.
type OutputRepository interface {
	// AppendLines appends lines for a task in order.
	AppendLines(taskID int, lines []OutputLine) error

	// LoadLines returns all stored lines for a task in append order.
	LoadLines(taskID int) ([]OutputLine, error)

	// ClearLines removes all stored lines for a task.
	ClearLines(taskID int) error
}

// SyncState tracks incremental activity pagination for a remote session.
type SyncState struct {
	Token string `json:"token"` // Pagination token to resume from
	Count int    `json:"count"` // Number of activities already synced
}

// SyncStateRepository persists remote activity sync state per task.
type SyncStateRepository interface {
	LoadSyncState(taskID int) (SyncState, error)
	SaveSyncState(taskID int, state SyncState) error
}

// ConfigLoader resolves and validates the execution environment.
type ConfigLoader interface {
	// Load returns the merged configuration (project + global).
	Load() (*Config, error)
}

// Config is the resolved execution configuration.
type Config struct {
	Local    LocalConfig  `toml:"local"`
	ACP      ACPConfig    `toml:"acp"`
	Remote   RemoteConfig `toml:"remote"`
	Log      LogConfig    `toml:"log"`
	Capacity int          `toml:"capacity"`    // Autonomous dispatch concurrency
	Review   bool         `toml:"review_gate"` // Exit 0 lands in review instead of completed
	Resume   bool         `toml:"auto_resume"` // Re-queue shutdown-interrupted tasks on startup
}

// LocalConfig configures the local process backend.
type LocalConfig struct {
	Interpreter string            `toml:"interpreter"` // e.g. python3
	Script      string            `toml:"script"`      // Agent script path
	Env         map[string]string `toml:"env"`         // Agent secrets/config
}

// ACPConfig configures the streaming ACP backend.
type ACPConfig struct {
	Command string            `toml:"command"` // Agent process spoken to over stdio
	Model   string            `toml:"model"`
	Env     map[string]string `toml:"env"`
}

// RemoteConfig configures the remote polling backend.
type RemoteConfig struct {
	BaseURL        string `toml:"base_url"`
	AuthToken      string `toml:"auth_token"`
	Source         string `toml:"source"` // Named source for session creation
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// Validate reports whether the environment is usable for the given service.
func (c *Config) Validate(service Service) error {
	switch service {
	case ServiceLocal:
		if c.Local.Interpreter == "" {
			return fmt.Errorf("local interpreter not configured: %w", ErrInvalidConfiguration)
		}
		if c.Local.Script == "" {
			return fmt.Errorf("local agent script not configured: %w", ErrInvalidConfiguration)
		}
	case ServiceACP:
		if c.ACP.Command == "" {
			return fmt.Errorf("acp agent command not configured: %w", ErrInvalidConfiguration)
		}
	case ServiceRemote:
		if c.Remote.BaseURL == "" {
			return fmt.Errorf("remote base URL not configured: %w", ErrInvalidConfiguration)
		}
		if c.Remote.AuthToken == "" {
			return fmt.Errorf("remote auth token not configured: %w", ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("unknown service %q: %w", service, ErrInvalidConfiguration)
	}
	return nil
}

// ChangeSummary is a structured description of working-tree changes.
type ChangeSummary struct {
	Created  []string
	Modified []string
	Deleted  []string
	Diff     string // Optional unified diff
}

// RepoStatus reports version-control state for task target directories.
type RepoStatus interface {
	// IsRepository reports whether dir is inside a version-controlled repository.
	IsRepository(dir string) bool

	// Summary produces a structured change summary for dir.
	Summary(dir string, withDiff bool) (*ChangeSummary, error)
}

// Workspace isolates task execution from the project directory.
type Workspace interface {
	// CopyProject copies the project into an isolated directory and
	// returns the effective working path.
	CopyProject(project string, taskID int) (string, error)

	// CreateWorktree creates a branch-backed isolated workspace.
	CreateWorktree(project string, taskID int) (string, error)

	// Cleanup removes the isolated workspace for a task.
	Cleanup(taskID int) error
}

// Capabilities describes what a backend genuinely supports, so callers can
// distinguish "paused and actually suspended" from "marked paused but still
// consuming resources".
type Capabilities struct {
	SupportsSuspend bool
}

// ExecResult is the terminal outcome of one backend invocation.
type ExecResult struct {
	ExitCode   *int    // Set by the local process backend
	SessionID  string  // Resumable session identifier, if any
	Err        string  // Human-readable error for failed outcomes
	Signal     string  // Terminating signal name, if killed
	CostMetric float64 // Accumulated cost (USD or turns, backend-defined)
	Success    bool
	Canceled   bool // User-initiated stop; never classified as failure
}

// Backend executes tasks for one service type. Execute blocks until the
// invocation terminates; Pause/Resume/Stop are out-of-band and are no-ops
// when the task is not in a compatible runtime state.
type Backend interface {
	Service() Service
	Capabilities() Capabilities
	Execute(ctx context.Context, task *Task) (*ExecResult, error)
	Pause(taskID int) error
	Resume(taskID int) error
	Stop(taskID int) error
}

// Logger writes categorized, per-task log entries.
type Logger interface {
	Debug(taskID int, category, msg string)
	Info(taskID int, category, msg string)
	Warn(taskID int, category, msg string)
	Error(taskID int, category, msg string)
}

// Clock provides time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}
