package jsonstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runoshun/foreman/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New(filepath.Join(t.TempDir(), "foreman.json"))
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return store
}

func TestStore_Initialize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "foreman.json")
	store := New(path)

	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("store file not created: %v", err)
	}

	// Initialize again should be idempotent
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize() second call error = %v", err)
	}
}

func TestStore_NextID(t *testing.T) {
	store := newTestStore(t)

	id1, err := store.NextID()
	if err != nil {
		t.Fatalf("NextID() error = %v", err)
	}
	if id1 != 1 {
		t.Errorf("NextID() = %d, want 1", id1)
	}

	id2, err := store.NextID()
	if err != nil {
		t.Fatalf("NextID() error = %v", err)
	}
	if id2 != 2 {
		t.Errorf("NextID() = %d, want 2", id2)
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().Truncate(time.Second) // JSON loses nanoseconds
	task := &domain.Task{
		ID:          1,
		Project:     "/tmp/project",
		Description: "add a parser",
		AgentType:   domain.AgentFeature,
		Service:     domain.ServiceLocal,
		Status:      domain.StatusPending,
		Created:     now,
		Params: domain.ExecParams{
			Model:     "opus",
			MaxTurns:  20,
			SessionID: "sess-1",
			Env:       map[string]string{"API_KEY": "k"},
		},
		Plan: &domain.PlanSpec{
			Status:  domain.PlanApproved,
			Content: "plan text",
			Version: 2,
			Tasks: []domain.PlanTask{
				{ID: "T001", Description: "step one", Status: domain.PlanTaskCompleted},
			},
		},
	}

	if err := store.Save(task); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.ID != 1 {
		t.Errorf("ID = %d, want 1", got.ID)
	}
	if got.Description != task.Description {
		t.Errorf("Description = %q, want %q", got.Description, task.Description)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Params.Model != "opus" || got.Params.MaxTurns != 20 {
		t.Errorf("Params round-trip lost fields: %+v", got.Params)
	}
	if got.Plan == nil || got.Plan.Version != 2 || len(got.Plan.Tasks) != 1 {
		t.Errorf("Plan round-trip lost fields: %+v", got.Plan)
	}
	if !got.Created.Equal(now) {
		t.Errorf("Created = %v, want %v", got.Created, now)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(42)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil for missing task", got)
	}
}

func TestStore_GetWithoutInitialize(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "foreman.json"))

	got, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get() on absent file error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil", got)
	}
}

func TestStore_ListFilters(t *testing.T) {
	store := newTestStore(t)

	save := func(id int, project string, status domain.Status) {
		t.Helper()
		if err := store.Save(&domain.Task{ID: id, Project: project, Status: status}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	save(2, "/a", domain.StatusPending)
	save(1, "/a", domain.StatusCompleted)
	save(3, "/b", domain.StatusPending)

	all, err := store.List(domain.TaskFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() = %d tasks, want 3", len(all))
	}
	if all[0].ID != 1 || all[1].ID != 2 || all[2].ID != 3 {
		t.Errorf("List() not ordered by ID: %d, %d, %d", all[0].ID, all[1].ID, all[2].ID)
	}

	pending := domain.StatusPending
	byStatus, err := store.List(domain.TaskFilter{Status: &pending})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("List(pending) = %d tasks, want 2", len(byStatus))
	}

	byProject, err := store.List(domain.TaskFilter{Project: "/b"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(byProject) != 1 || byProject[0].ID != 3 {
		t.Errorf("List(project /b) = %+v, want task 3", byProject)
	}
}

func TestStore_DeleteRemovesEverything(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(&domain.Task{ID: 1, Status: domain.StatusPending}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.AppendLines(1, []domain.OutputLine{{TaskID: 1, Content: "x\n"}}); err != nil {
		t.Fatalf("AppendLines() error = %v", err)
	}
	if err := store.SaveSyncState(1, domain.SyncState{Token: "tok", Count: 3}); err != nil {
		t.Fatalf("SaveSyncState() error = %v", err)
	}

	if err := store.Delete(1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if got, _ := store.Get(1); got != nil {
		t.Errorf("task survived delete: %+v", got)
	}
	if lines, _ := store.LoadLines(1); len(lines) != 0 {
		t.Errorf("output survived delete: %d lines", len(lines))
	}
	if state, _ := store.LoadSyncState(1); state != (domain.SyncState{}) {
		t.Errorf("sync state survived delete: %+v", state)
	}
}

func TestStore_OutputLines(t *testing.T) {
	store := newTestStore(t)

	first := []domain.OutputLine{
		{TaskID: 1, Content: "hello\n", Stream: domain.StreamPrimary},
		{TaskID: 1, Content: "warn\n", Stream: domain.StreamError},
	}
	if err := store.AppendLines(1, first); err != nil {
		t.Fatalf("AppendLines() error = %v", err)
	}
	if err := store.AppendLines(1, []domain.OutputLine{{TaskID: 1, Content: "more\n"}}); err != nil {
		t.Fatalf("AppendLines() error = %v", err)
	}

	lines, err := store.LoadLines(1)
	if err != nil {
		t.Fatalf("LoadLines() error = %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("LoadLines() = %d lines, want 3", len(lines))
	}
	if lines[0].Content != "hello\n" || lines[1].Stream != domain.StreamError || lines[2].Content != "more\n" {
		t.Errorf("lines out of order: %+v", lines)
	}

	if err := store.ClearLines(1); err != nil {
		t.Fatalf("ClearLines() error = %v", err)
	}
	lines, _ = store.LoadLines(1)
	if len(lines) != 0 {
		t.Errorf("ClearLines() left %d lines", len(lines))
	}
}

func TestStore_SyncStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	state, err := store.LoadSyncState(7)
	if err != nil {
		t.Fatalf("LoadSyncState() error = %v", err)
	}
	if state != (domain.SyncState{}) {
		t.Errorf("LoadSyncState() = %+v, want zero value", state)
	}

	want := domain.SyncState{Token: "page-4", Count: 12}
	if err := store.SaveSyncState(7, want); err != nil {
		t.Fatalf("SaveSyncState() error = %v", err)
	}
	state, _ = store.LoadSyncState(7)
	if state != want {
		t.Errorf("LoadSyncState() = %+v, want %+v", state, want)
	}
}
