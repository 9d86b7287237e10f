// Package app provides the dependency injection container for the application.
package app

import (
	"fmt"
	"path/filepath"

	"github.com/runoshun/foreman/internal/backend/acpstream"
	"github.com/runoshun/foreman/internal/backend/localproc"
	"github.com/runoshun/foreman/internal/backend/remote"
	"github.com/runoshun/foreman/internal/buffer"
	"github.com/runoshun/foreman/internal/domain"
	"github.com/runoshun/foreman/internal/engine"
	"github.com/runoshun/foreman/internal/infra/config"
	"github.com/runoshun/foreman/internal/infra/gitinfo"
	"github.com/runoshun/foreman/internal/infra/jsonstore"
	"github.com/runoshun/foreman/internal/infra/logging"
	"github.com/runoshun/foreman/internal/infra/workspace"
)

// DataDirName is the per-project data directory.
const DataDirName = ".foreman"

// Paths holds the resolved filesystem layout.
type Paths struct {
	WorkDir      string // Directory foreman was started from
	DataDir      string // .foreman data directory
	StorePath    string // tasks.json
	WorkspaceDir string // Isolated task workspaces
}

func newPaths(workDir string) Paths {
	dataDir := filepath.Join(workDir, DataDirName)
	return Paths{
		WorkDir:      workDir,
		DataDir:      dataDir,
		StorePath:    filepath.Join(dataDir, "tasks.json"),
		WorkspaceDir: filepath.Join(dataDir, "workspaces"),
	}
}

// Container provides dependency injection for the application.
// It holds all port implementations and builds the engine runtime.
type Container struct {
	Tasks        domain.TaskRepository
	Output       domain.OutputRepository
	Syncs        domain.SyncStateRepository
	ConfigLoader domain.ConfigLoader
	Repos        domain.RepoStatus
	Workspaces   domain.Workspace
	Logger       domain.Logger
	Clock        domain.Clock

	Paths Paths

	// Optional backend overrides for tests. When empty, BuildRuntime
	// constructs the three real backends.
	backends []domain.Backend

	closers []func() error
}

// New creates a Container rooted at workDir. The data store is created
// under workDir/.foreman on first use.
func New(workDir string) (*Container, error) {
	paths := newPaths(workDir)

	store := jsonstore.New(paths.StorePath)
	if err := store.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	loader := config.NewLoader(paths.DataDir)
	level := "info"
	if cfg, err := loader.Load(); err == nil {
		level = cfg.Log.Level
	}
	logger := logging.New(paths.DataDir, logging.ParseLevel(level))

	return &Container{
		Tasks:        store,
		Output:       store,
		Syncs:        store,
		ConfigLoader: loader,
		Repos:        gitinfo.New(),
		Workspaces:   workspace.New(paths.WorkspaceDir),
		Logger:       logger,
		Clock:        domain.RealClock{},
		Paths:        paths,
		closers:      []func() error{logger.Close},
	}, nil
}

// Deps bundles the ports for NewWithDeps.
type Deps struct {
	Tasks      domain.TaskRepository
	Output     domain.OutputRepository
	Syncs      domain.SyncStateRepository
	Config     domain.ConfigLoader
	Repos      domain.RepoStatus
	Workspaces domain.Workspace
	Logger     domain.Logger
	Clock      domain.Clock
	Backends   []domain.Backend
}

// NewWithDeps creates a Container with custom dependencies for testing.
func NewWithDeps(paths Paths, d Deps) *Container {
	return &Container{
		Tasks:        d.Tasks,
		Output:       d.Output,
		Syncs:        d.Syncs,
		ConfigLoader: d.Config,
		Repos:        d.Repos,
		Workspaces:   d.Workspaces,
		Logger:       d.Logger,
		Clock:        d.Clock,
		Paths:        paths,
		backends:     d.Backends,
	}
}

// Runtime is a wired engine plus the output buffer it streams into.
type Runtime struct {
	Engine   *engine.Engine
	Buffer   *buffer.Buffer
	Capacity int // Concurrent dispatch slots the engine was built with
}

// BuildRuntime wires the output buffer, backends, and engine. The dispatch
// capacity comes from the merged configuration.
func (c *Container) BuildRuntime() (*Runtime, error) {
	cfg, err := c.ConfigLoader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	out := buffer.New(c.Output, c.Logger, c.Clock)

	backends := c.backends
	var rb *remote.Backend
	if len(backends) == 0 {
		rb = remote.New(out, c.ConfigLoader, c.Syncs, c.Logger)
		backends = []domain.Backend{
			localproc.New(out, c.ConfigLoader, c.Logger),
			acpstream.New(out, c.ConfigLoader, c.Logger),
			rb,
		}
	}

	eng := engine.New(engine.Params{
		Tasks:    c.Tasks,
		Output:   out,
		Config:   c.ConfigLoader,
		Repos:    c.Repos,
		Logger:   c.Logger,
		Clock:    c.Clock,
		Backends: backends,
		Capacity: cfg.Capacity,
	})
	if rb != nil {
		// The remote session's derived state is surfaced as the task's
		// execution step label.
		rb.SetStateHandler(func(taskID int, state remote.SessionState) {
			eng.SetExecutionStep(taskID, string(state))
		})
	}
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 1
	}
	return &Runtime{Engine: eng, Buffer: out, Capacity: capacity}, nil
}

// Close releases container-owned resources.
func (c *Container) Close() error {
	var lastErr error
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
