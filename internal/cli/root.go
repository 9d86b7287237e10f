// Package cli provides the command-line interface for foreman.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/runoshun/foreman/internal/app"
)

// Command group IDs.
const (
	groupTask = "task"
	groupExec = "exec"
)

// NewRootCommand creates the root command for foreman.
// It receives the container for dependency injection and version for display.
func NewRootCommand(c *app.Container, version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "foreman",
		Short: "Agent task orchestration engine",
		Long: `foreman coordinates long-running coding-agent tasks across three
execution backends: a local interpreter process, an in-process ACP
streaming session, and a polled cloud session.

Tasks are created with 'foreman task add' and executed in the foreground
with 'foreman run'. While running, plans generated by the agent can be
approved or rejected interactively. 'foreman auto' processes a YAML
feature backlog until every entry is done.`,
		Version: version,
		// SilenceUsage prevents usage from being printed on errors
		SilenceUsage: true,
		// SilenceErrors prevents cobra from printing errors (main handles it)
		SilenceErrors: true,
	}

	root.AddGroup(
		&cobra.Group{ID: groupTask, Title: "Task Management:"},
		&cobra.Group{ID: groupExec, Title: "Execution:"},
	)

	taskCmd := newTaskCommand(c)
	taskCmd.GroupID = groupTask

	logsCmd := newLogsCommand(c)
	logsCmd.GroupID = groupTask

	runCmd := newRunCommand(c)
	runCmd.GroupID = groupExec

	autoCmd := newAutoCommand(c)
	autoCmd.GroupID = groupExec

	root.AddCommand(
		taskCmd,
		logsCmd,
		runCmd,
		autoCmd,
	)

	return root
}

// parseTaskID parses a task ID string to int. A leading # is accepted.
func parseTaskID(s string) (int, error) {
	s = strings.TrimPrefix(s, "#")
	var id int
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid task ID %q", s)
	}
	if id <= 0 {
		return 0, fmt.Errorf("task ID must be positive")
	}
	return id, nil
}
