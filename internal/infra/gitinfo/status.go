// Package gitinfo reports version-control state for task target
// directories: repository detection and structured change summaries.
package gitinfo

import (
	"fmt"
	"os/exec"
	"sort"

	git "github.com/go-git/go-git/v5"

	"github.com/runoshun/foreman/internal/domain"
)

var _ domain.RepoStatus = (*Client)(nil)

// Client implements domain.RepoStatus over the working tree.
type Client struct{}

// New creates a Client.
func New() *Client {
	return &Client{}
}

// IsRepository reports whether dir is inside a git repository.
func (c *Client) IsRepository(dir string) bool {
	_, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	return err == nil
}

// Summary produces a structured change summary for dir. The unified diff
// is collected only when requested; it shells out because the worktree
// diff is not exposed by the plumbing.
func (c *Client) Summary(dir string, withDiff bool) (*domain.ChangeSummary, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}

	summary := &domain.ChangeSummary{}
	for path, fs := range status {
		switch code(fs) {
		case git.Untracked, git.Added, git.Copied:
			summary.Created = append(summary.Created, path)
		case git.Deleted:
			summary.Deleted = append(summary.Deleted, path)
		case git.Unmodified:
		default:
			summary.Modified = append(summary.Modified, path)
		}
	}
	sort.Strings(summary.Created)
	sort.Strings(summary.Modified)
	sort.Strings(summary.Deleted)

	if withDiff {
		cmd := exec.Command("git", "diff", "HEAD")
		cmd.Dir = dir
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("collect diff: %w", err)
		}
		summary.Diff = string(out)
	}
	return summary, nil
}

// code picks the effective status: the staging column when set, otherwise
// the worktree column.
func code(fs *git.FileStatus) git.StatusCode {
	if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
		return fs.Staging
	}
	return fs.Worktree
}
