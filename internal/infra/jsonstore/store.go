// Package jsonstore persists tasks, captured output, and remote sync state
// in a JSON file guarded by a lock file.
package jsonstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"

	"github.com/runoshun/foreman/internal/domain"
)

// storeData represents the JSON file structure.
type storeData struct {
	Tasks  map[string]*domain.Task        `json:"tasks"`
	Output map[string][]domain.OutputLine `json:"output"`
	Sync   map[string]domain.SyncState    `json:"sync"`
	Meta   meta                           `json:"meta"`
}

// meta contains store metadata.
type meta struct {
	NextTaskID int `json:"nextTaskID"`
}

// Store implements the task, output, and sync-state repositories using a
// single JSON file. Cross-process safety comes from flock on a sibling
// lock file; in-process callers serialize through the engine.
type Store struct {
	path     string
	lockPath string
}

// New creates a Store for the given file path. The file does not need to
// exist; Initialize creates it.
func New(path string) *Store {
	return &Store{
		path:     path,
		lockPath: path + ".lock",
	}
}

// Initialize creates an empty store file if it doesn't exist.
func (s *Store) Initialize() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil
	}
	return s.write(emptyData())
}

// Get retrieves a task by ID. Returns nil when absent.
func (s *Store) Get(id int) (*domain.Task, error) {
	var task *domain.Task
	err := s.withLock(func(data *storeData) error {
		if t, ok := data.Tasks[strconv.Itoa(id)]; ok {
			t.ID = id
			task = t
		}
		return nil
	})
	return task, err
}

// List retrieves tasks matching the filter, ordered by ID.
func (s *Store) List(filter domain.TaskFilter) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := s.withLock(func(data *storeData) error {
		for key, t := range data.Tasks {
			id, _ := strconv.Atoi(key)
			t.ID = id
			if filter.Status != nil && t.Status != *filter.Status {
				continue
			}
			if filter.Project != "" && t.Project != filter.Project {
				continue
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	slices.SortFunc(tasks, func(a, b *domain.Task) int {
		return a.ID - b.ID
	})
	return tasks, err
}

// Save creates or updates a task.
func (s *Store) Save(task *domain.Task) error {
	return s.withLockWrite(func(data *storeData) error {
		data.Tasks[strconv.Itoa(task.ID)] = task
		return nil
	})
}

// Delete removes a task and everything keyed to it.
func (s *Store) Delete(id int) error {
	return s.withLockWrite(func(data *storeData) error {
		key := strconv.Itoa(id)
		delete(data.Tasks, key)
		delete(data.Output, key)
		delete(data.Sync, key)
		return nil
	})
}

// NextID returns the next available task ID.
func (s *Store) NextID() (int, error) {
	var id int
	err := s.withLockWrite(func(data *storeData) error {
		id = data.Meta.NextTaskID
		data.Meta.NextTaskID++
		return nil
	})
	return id, err
}

// AppendLines appends captured output lines for a task.
func (s *Store) AppendLines(taskID int, lines []domain.OutputLine) error {
	if len(lines) == 0 {
		return nil
	}
	return s.withLockWrite(func(data *storeData) error {
		key := strconv.Itoa(taskID)
		data.Output[key] = append(data.Output[key], lines...)
		return nil
	})
}

// LoadLines returns all stored lines for a task in append order.
func (s *Store) LoadLines(taskID int) ([]domain.OutputLine, error) {
	var lines []domain.OutputLine
	err := s.withLock(func(data *storeData) error {
		lines = data.Output[strconv.Itoa(taskID)]
		return nil
	})
	return lines, err
}

// ClearLines removes all stored lines for a task.
func (s *Store) ClearLines(taskID int) error {
	return s.withLockWrite(func(data *storeData) error {
		delete(data.Output, strconv.Itoa(taskID))
		return nil
	})
}

// LoadSyncState returns the remote pagination state for a task.
func (s *Store) LoadSyncState(taskID int) (domain.SyncState, error) {
	var state domain.SyncState
	err := s.withLock(func(data *storeData) error {
		state = data.Sync[strconv.Itoa(taskID)]
		return nil
	})
	return state, err
}

// SaveSyncState stores the remote pagination state for a task.
func (s *Store) SaveSyncState(taskID int, state domain.SyncState) error {
	return s.withLockWrite(func(data *storeData) error {
		data.Sync[strconv.Itoa(taskID)] = state
		return nil
	})
}

// withLock executes fn with a shared (read) lock.
func (s *Store) withLock(fn func(*storeData) error) error {
	lock, err := s.acquireLock(syscall.LOCK_SH)
	if err != nil {
		return err
	}
	defer s.releaseLock(lock)

	data, err := s.read()
	if err != nil {
		return err
	}
	return fn(data)
}

// withLockWrite executes fn with an exclusive lock and writes the result.
func (s *Store) withLockWrite(fn func(*storeData) error) error {
	lock, err := s.acquireLock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer s.releaseLock(lock)

	data, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	return s.write(data)
}

func (s *Store) acquireLock(lockType int) (*os.File, error) {
	dir := filepath.Dir(s.lockPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lock, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(lock.Fd()), lockType); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return lock, nil
}

func (s *Store) releaseLock(lock *os.File) {
	_ = syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
	_ = lock.Close()
}

func (s *Store) read() (*storeData, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyData(), nil
		}
		return nil, fmt.Errorf("read store file: %w", err)
	}

	var data storeData
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("parse store file: %w", err)
	}
	if data.Tasks == nil {
		data.Tasks = make(map[string]*domain.Task)
	}
	if data.Output == nil {
		data.Output = make(map[string][]domain.OutputLine)
	}
	if data.Sync == nil {
		data.Sync = make(map[string]domain.SyncState)
	}
	if data.Meta.NextTaskID == 0 {
		data.Meta.NextTaskID = 1
	}
	return &data, nil
}

func (s *Store) write(data *storeData) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store data: %w", err)
	}

	// Write to temp file first, then rename for atomicity.
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func emptyData() *storeData {
	return &storeData{
		Tasks:  make(map[string]*domain.Task),
		Output: make(map[string][]domain.OutputLine),
		Sync:   make(map[string]domain.SyncState),
		Meta:   meta{NextTaskID: 1},
	}
}

var (
	_ domain.TaskRepository      = (*Store)(nil)
	_ domain.OutputRepository    = (*Store)(nil)
	_ domain.SyncStateRepository = (*Store)(nil)
	_ domain.StoreInitializer    = (*Store)(nil)
)
