// Package testutil provides shared test utilities and mock implementations.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runoshun/foreman/internal/domain"
)

// MockClock is a test double for domain.Clock.
type MockClock struct {
	mu      sync.Mutex
	NowTime time.Time
}

// Now returns the configured time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NowTime
}

// Advance moves the clock forward.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NowTime = m.NowTime.Add(d)
}

// NopLogger discards all log entries.
type NopLogger struct{}

func (NopLogger) Debug(int, string, string) {}
func (NopLogger) Info(int, string, string)  {}
func (NopLogger) Warn(int, string, string)  {}
func (NopLogger) Error(int, string, string) {}

// MockTaskRepository is an in-memory test double for domain.TaskRepository.
type MockTaskRepository struct {
	Tasks   map[int]*domain.Task
	SaveErr error
	GetErr  error
	NextIDN int
	mu      sync.Mutex
}

// NewMockTaskRepository creates a MockTaskRepository with initialized maps.
func NewMockTaskRepository() *MockTaskRepository {
	return &MockTaskRepository{
		Tasks:   make(map[int]*domain.Task),
		NextIDN: 1,
	}
}

// Get retrieves a task by ID.
func (m *MockTaskRepository) Get(id int) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	task, ok := m.Tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *task
	return &cp, nil
}

// List returns tasks matching the filter, ordered by ID.
func (m *MockTaskRepository) List(filter domain.TaskFilter) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []*domain.Task
	for _, t := range m.Tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.Project != "" && t.Project != filter.Project {
			continue
		}
		cp := *t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Save saves a task.
func (m *MockTaskRepository) Save(task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	cp := *task
	m.Tasks[task.ID] = &cp
	return nil
}

// Delete removes a task by ID.
func (m *MockTaskRepository) Delete(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Tasks, id)
	return nil
}

// NextID returns the next available task ID.
func (m *MockTaskRepository) NextID() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.NextIDN
	m.NextIDN++
	return id, nil
}

// MockOutputRepository is a test double for domain.OutputRepository.
type MockOutputRepository struct {
	Lines       map[int][]domain.OutputLine
	AppendErr   error
	AppendCalls int
	mu          sync.Mutex
}

// NewMockOutputRepository creates a MockOutputRepository.
func NewMockOutputRepository() *MockOutputRepository {
	return &MockOutputRepository{Lines: make(map[int][]domain.OutputLine)}
}

// AppendLines appends lines for a task.
func (m *MockOutputRepository) AppendLines(taskID int, lines []domain.OutputLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.AppendCalls++
	m.Lines[taskID] = append(m.Lines[taskID], lines...)
	return nil
}

// LoadLines returns stored lines for a task.
func (m *MockOutputRepository) LoadLines(taskID int) ([]domain.OutputLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OutputLine, len(m.Lines[taskID]))
	copy(out, m.Lines[taskID])
	return out, nil
}

// ClearLines removes stored lines for a task.
func (m *MockOutputRepository) ClearLines(taskID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Lines, taskID)
	return nil
}

// MockSyncStateRepository is a test double for domain.SyncStateRepository.
type MockSyncStateRepository struct {
	States map[int]domain.SyncState
	mu     sync.Mutex
}

// NewMockSyncStateRepository creates a MockSyncStateRepository.
func NewMockSyncStateRepository() *MockSyncStateRepository {
	return &MockSyncStateRepository{States: make(map[int]domain.SyncState)}
}

// LoadSyncState returns the stored state for a task.
func (m *MockSyncStateRepository) LoadSyncState(taskID int) (domain.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.States[taskID], nil
}

// SaveSyncState stores the state for a task.
func (m *MockSyncStateRepository) SaveSyncState(taskID int, state domain.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.States[taskID] = state
	return nil
}

// MockConfigLoader is a test double for domain.ConfigLoader.
type MockConfigLoader struct {
	Config  *domain.Config
	LoadErr error
}

// Load returns the configured config.
func (m *MockConfigLoader) Load() (*domain.Config, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.Config != nil {
		return m.Config, nil
	}
	return &domain.Config{
		Local:  domain.LocalConfig{Interpreter: "python3", Script: "/usr/local/lib/agent.py"},
		ACP:    domain.ACPConfig{Command: "claude-code-acp"},
		Remote: domain.RemoteConfig{BaseURL: "https://api.example.com", AuthToken: "tok", Source: "main"},
	}, nil
}

// MockRepoStatus is a test double for domain.RepoStatus.
type MockRepoStatus struct {
	Repos      map[string]bool
	SummaryVal *domain.ChangeSummary
	SummaryErr error
}

// NewMockRepoStatus creates a MockRepoStatus.
func NewMockRepoStatus() *MockRepoStatus {
	return &MockRepoStatus{Repos: make(map[string]bool)}
}

// IsRepository reports the configured value for dir.
func (m *MockRepoStatus) IsRepository(dir string) bool {
	return m.Repos[dir]
}

// Summary returns the configured change summary.
func (m *MockRepoStatus) Summary(string, bool) (*domain.ChangeSummary, error) {
	if m.SummaryErr != nil {
		return nil, m.SummaryErr
	}
	if m.SummaryVal != nil {
		return m.SummaryVal, nil
	}
	return &domain.ChangeSummary{}, nil
}

// MockWorkspace is a test double for domain.Workspace.
type MockWorkspace struct {
	Path        string
	CopyErr     error
	CleanedUp   []int
	CopyCalls   int
	CreateCalls int
	mu          sync.Mutex
}

// CopyProject returns the configured path.
func (m *MockWorkspace) CopyProject(string, int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CopyCalls++
	if m.CopyErr != nil {
		return "", m.CopyErr
	}
	return m.Path, nil
}

// CreateWorktree returns the configured path.
func (m *MockWorkspace) CreateWorktree(string, int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	return m.Path, nil
}

// Cleanup records the cleaned task.
func (m *MockWorkspace) Cleanup(taskID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CleanedUp = append(m.CleanedUp, taskID)
	return nil
}

// MockBackend is a scriptable test double for domain.Backend.
type MockBackend struct {
	ExecuteFn    func(ctx context.Context, task *domain.Task) (*domain.ExecResult, error)
	Svc          domain.Service
	Caps         domain.Capabilities
	PauseCalls   []int
	ResumeCalls  []int
	StopCalls    []int
	ExecuteCalls []int
	mu           sync.Mutex
}

// Service returns the configured service type.
func (m *MockBackend) Service() domain.Service {
	return m.Svc
}

// Capabilities returns the configured capabilities.
func (m *MockBackend) Capabilities() domain.Capabilities {
	return m.Caps
}

// Execute runs the scripted function, defaulting to immediate success.
func (m *MockBackend) Execute(ctx context.Context, task *domain.Task) (*domain.ExecResult, error) {
	m.mu.Lock()
	m.ExecuteCalls = append(m.ExecuteCalls, task.ID)
	fn := m.ExecuteFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, task)
	}
	return &domain.ExecResult{Success: true}, nil
}

// Pause records the call.
func (m *MockBackend) Pause(taskID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PauseCalls = append(m.PauseCalls, taskID)
	return nil
}

// Resume records the call.
func (m *MockBackend) Resume(taskID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResumeCalls = append(m.ResumeCalls, taskID)
	return nil
}

// Stop records the call.
func (m *MockBackend) Stop(taskID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls = append(m.StopCalls, taskID)
	return nil
}

// Executed returns the task ids passed to Execute so far.
func (m *MockBackend) Executed() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.ExecuteCalls))
	copy(out, m.ExecuteCalls)
	return out
}
