// Package workspace isolates task execution from the project directory,
// either by copying the project or by creating a branch-backed git
// worktree.
package workspace

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/runoshun/foreman/internal/domain"
)

var _ domain.Workspace = (*Manager)(nil)

// entry records how one task's workspace was created, so Cleanup knows
// whether a worktree has to be detached from the source repository.
type entry struct {
	path    string
	project string
	tree    bool
}

// Manager creates and removes per-task workspaces under a base directory.
type Manager struct {
	baseDir string
	active  map[int]entry
	mu      sync.Mutex
}

// New creates a Manager rooted at baseDir.
func New(baseDir string) *Manager {
	return &Manager{
		baseDir: baseDir,
		active:  make(map[int]entry),
	}
}

func (m *Manager) taskDir(taskID int) string {
	return filepath.Join(m.baseDir, fmt.Sprintf("task-%d", taskID))
}

// CopyProject copies the project into an isolated directory and returns
// the effective working path. The .git directory is not copied; the copy
// is a plain snapshot, not a repository.
func (m *Manager) CopyProject(project string, taskID int) (string, error) {
	dst := m.taskDir(taskID)
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return "", fmt.Errorf("create workspace directory: %w", err)
	}
	if err := copyTree(project, dst); err != nil {
		_ = os.RemoveAll(dst)
		return "", fmt.Errorf("copy project: %w", err)
	}

	m.mu.Lock()
	m.active[taskID] = entry{path: dst, project: project}
	m.mu.Unlock()
	return dst, nil
}

// CreateWorktree creates a detached git worktree of the project at its
// current HEAD and returns the working path.
func (m *Manager) CreateWorktree(project string, taskID int) (string, error) {
	abs, err := filepath.Abs(project)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}

	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = abs
	shaOut, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", abs, domain.ErrNotARepository)
	}
	sha := strings.TrimSpace(string(shaOut))

	dst := m.taskDir(taskID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("create workspace directory: %w", err)
	}
	cmd = exec.Command("git", "worktree", "add", "--detach", dst, sha)
	cmd.Dir = abs
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("create worktree: %w: %s", err, string(out))
	}

	m.mu.Lock()
	m.active[taskID] = entry{path: dst, project: abs, tree: true}
	m.mu.Unlock()
	return dst, nil
}

// Cleanup removes the isolated workspace for a task. Unknown ids are a
// no-op so repeated cleanup is safe.
func (m *Manager) Cleanup(taskID int) error {
	m.mu.Lock()
	e, ok := m.active[taskID]
	delete(m.active, taskID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if e.tree {
		cmd := exec.Command("git", "worktree", "remove", "--force", e.path)
		cmd.Dir = e.project
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("remove worktree: %w: %s", err, string(out))
		}
		return nil
	}
	if err := os.RemoveAll(e.path); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// copyTree copies src into dst recursively, preserving file modes and
// skipping the .git directory.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !d.Type().IsRegular() {
			// Symlinks and special files are skipped; agent scripts only
			// need the regular tree.
			return nil
		}
		return copyFile(path, target, d)
	})
}

func copyFile(src, dst string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
