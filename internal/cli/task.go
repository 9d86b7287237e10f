package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/runoshun/foreman/internal/app"
	"github.com/runoshun/foreman/internal/domain"
	"github.com/runoshun/foreman/internal/engine"
)

// newTaskCommand creates the task command group.
func newTaskCommand(c *app.Container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(
		newTaskAddCommand(c),
		newTaskListCommand(c),
		newTaskShowCommand(c),
		newTaskRmCommand(c),
	)
	return cmd
}

// newTaskAddCommand creates the task add command.
func newTaskAddCommand(c *app.Container) *cobra.Command {
	var opts struct {
		Description     string
		AgentType       string
		Service         string
		Model           string
		SessionID       string
		TaskFile        string
		Env             []string
		AllowedTools    []string
		DisallowedTools []string
		MaxTurns        int
		MaxIters        int
		BudgetUSD       float64
		Isolate         bool
	}

	cmd := &cobra.Command{
		Use:   "add [project-dir]",
		Short: "Create a new task",
		Long: `Create a new task targeting a project directory.

The task is created with status 'pending' and is not executed until
'foreman run <id>'. Feature tasks require the target directory to be a
git repository; autonomous tasks do not.

Examples:
  # Create a feature task for the current directory
  foreman task add -d "Add rate limiting to the API client"

  # Create a task for another project on the remote backend
  foreman task add ~/src/webapp -d "Fix login redirect" --service remote

  # Autonomous task with a turn budget
  foreman task add --type autonomous -d "Build the notes app" --max-turns 200

  # Run in an isolated workspace instead of the project directory
  foreman task add -d "Risky refactor" --isolate`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Description == "" {
				return fmt.Errorf("required flag \"description\" not set")
			}
			project := "."
			if len(args) > 0 {
				project = args[0]
			}
			project, err := filepath.Abs(project)
			if err != nil {
				return fmt.Errorf("resolve project directory: %w", err)
			}

			params := domain.ExecParams{
				Model:           opts.Model,
				SessionID:       opts.SessionID,
				TaskFile:        opts.TaskFile,
				AllowedTools:    opts.AllowedTools,
				DisallowedTools: opts.DisallowedTools,
				MaxTurns:        opts.MaxTurns,
				MaxIterations:   opts.MaxIters,
				BudgetUSD:       opts.BudgetUSD,
			}
			for _, kv := range opts.Env {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --env value %q, want KEY=VALUE", kv)
				}
				if params.Env == nil {
					params.Env = make(map[string]string)
				}
				params.Env[k] = v
			}

			rt, err := c.BuildRuntime()
			if err != nil {
				return err
			}
			task, err := rt.Engine.CreateTask(engine.CreateTaskInput{
				Project:     project,
				Description: opts.Description,
				AgentType:   domain.AgentType(opts.AgentType),
				Service:     domain.Service(opts.Service),
				Params:      params,
			})
			if err != nil {
				return err
			}

			if opts.Isolate {
				// Feature tasks get a branch-backed worktree; autonomous
				// tasks get a plain copy of the project.
				var path string
				if task.AgentType == domain.AgentFeature {
					path, err = c.Workspaces.CreateWorktree(project, task.ID)
				} else {
					path, err = c.Workspaces.CopyProject(project, task.ID)
				}
				if err != nil {
					_ = rt.Engine.DeleteTask(task.ID)
					return fmt.Errorf("create workspace: %w", err)
				}
				task, err = rt.Engine.UpdateTask(task.ID, func(t *domain.Task) error {
					t.Project = path
					return nil
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task #%d (workspace: %s)\n", task.ID, path)
				return nil
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task #%d\n", task.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Description, "description", "d", "", "What the agent should build (required)")
	cmd.Flags().StringVar(&opts.AgentType, "type", string(domain.AgentFeature), "Agent type (feature, autonomous)")
	cmd.Flags().StringVar(&opts.Service, "service", string(domain.ServiceLocal), "Execution backend (local, acp, remote)")
	cmd.Flags().StringVar(&opts.Model, "model", "", "Model override")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "Resume an existing session")
	cmd.Flags().StringVar(&opts.TaskFile, "task-file", "", "File with an extended task description")
	cmd.Flags().StringArrayVar(&opts.Env, "env", nil, "Environment overrides (KEY=VALUE, can specify multiple)")
	cmd.Flags().StringSliceVar(&opts.AllowedTools, "allowed-tools", nil, "Tools the agent may use")
	cmd.Flags().StringSliceVar(&opts.DisallowedTools, "disallowed-tools", nil, "Tools the agent must not use")
	cmd.Flags().IntVar(&opts.MaxTurns, "max-turns", 0, "Turn budget for one invocation")
	cmd.Flags().IntVar(&opts.MaxIters, "max-iterations", 0, "Iteration budget for the autonomous loop")
	cmd.Flags().Float64Var(&opts.BudgetUSD, "budget", 0, "Cost budget in USD")
	cmd.Flags().BoolVar(&opts.Isolate, "isolate", false, "Execute in an isolated workspace")

	return cmd
}

// newTaskListCommand creates the task list command.
func newTaskListCommand(c *app.Container) *cobra.Command {
	var opts struct {
		Status  string
		Project string
	}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long: `Display all tasks, ordered by ID.

Examples:
  # List every task
  foreman task list

  # Only running tasks
  foreman task list --status running

  # Only tasks for one project
  foreman task list --project ~/src/webapp`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.TaskFilter{Project: opts.Project}
			if opts.Status != "" {
				status := domain.Status(opts.Status)
				if !status.IsValid() {
					return fmt.Errorf("unknown status %q", opts.Status)
				}
				filter.Status = &status
			}

			tasks, err := c.Tasks.List(filter)
			if err != nil {
				return err
			}
			printTaskList(cmd.OutOrStdout(), tasks, c.Clock)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&opts.Project, "project", "", "Filter by project directory")

	return cmd
}

// printTaskList prints tasks in aligned columns.
func printTaskList(w io.Writer, tasks []*domain.Task, clock domain.Clock) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tSERVICE\tDESCRIPTION")

	for _, task := range tasks {
		statusStr := string(task.Status)
		if task.Status == domain.StatusRunning && !task.StartedAt.IsZero() {
			elapsed := clock.Now().Sub(task.StartedAt)
			statusStr = fmt.Sprintf("%s (%s)", task.Status, formatDuration(elapsed))
		}
		if task.ExecutionStep != "" {
			statusStr += " " + task.ExecutionStep
		}

		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			task.ID,
			statusStr,
			task.AgentType,
			task.Service,
			truncate(task.Description, 60),
		)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// newTaskShowCommand creates the task show command.
func newTaskShowCommand(c *app.Container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Display task details",
		Long: `Display detailed information about a task, including its plan
and per-subtask progress when a plan exists.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			task, err := c.Tasks.Get(id)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
			}
			printTaskDetails(cmd.OutOrStdout(), task)
			return nil
		},
	}
	return cmd
}

// printTaskDetails prints one task in a formatted output.
func printTaskDetails(w io.Writer, task *domain.Task) {
	_, _ = fmt.Fprintf(w, "%s\n\n", titleStyle.Render(fmt.Sprintf("Task #%d", task.ID)))
	_, _ = fmt.Fprintf(w, "%s\n\n", task.Description)

	_, _ = fmt.Fprintf(w, "Status:  %s\n", renderStatus(task.Status))
	_, _ = fmt.Fprintf(w, "Type:    %s\n", task.AgentType)
	_, _ = fmt.Fprintf(w, "Service: %s\n", task.Service)
	_, _ = fmt.Fprintf(w, "Project: %s\n", task.Project)
	_, _ = fmt.Fprintf(w, "Created: %s\n", task.Created.Format(time.RFC3339))

	if !task.StartedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "Started: %s\n", task.StartedAt.Format(time.RFC3339))
	}
	if !task.CompletedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "Ended:   %s\n", task.CompletedAt.Format(time.RFC3339))
	}
	if task.ExitCode != nil {
		_, _ = fmt.Fprintf(w, "Exit:    %d\n", *task.ExitCode)
	}
	if task.Sessions > 0 {
		_, _ = fmt.Fprintf(w, "Runs:    %d\n", task.Sessions)
	}
	if task.CostUSD > 0 {
		_, _ = fmt.Fprintf(w, "Cost:    $%.2f\n", task.CostUSD)
	}
	if task.Params.SessionID != "" {
		_, _ = fmt.Fprintf(w, "Session: %s\n", task.Params.SessionID)
	}
	if task.ExecutionStep != "" {
		_, _ = fmt.Fprintf(w, "Step:    %s\n", task.ExecutionStep)
	}
	if task.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:   %s\n", errorStyle.Render(task.Error))
	}

	if task.Plan != nil {
		_, _ = fmt.Fprintf(w, "\n%s (%s, v%d)\n", headerStyle.Render("Plan"), task.Plan.Status, task.Plan.Version)
		for _, sub := range task.Plan.Tasks {
			marker := " "
			if sub.Status == domain.PlanTaskCompleted {
				marker = "x"
			}
			line := fmt.Sprintf("  [%s] %s: %s", marker, sub.ID, sub.Description)
			if sub.Phase != "" {
				line += mutedStyle.Render(" (" + sub.Phase + ")")
			}
			if sub.Status == domain.PlanTaskFailed {
				line += " " + errorStyle.Render("failed")
			}
			_, _ = fmt.Fprintln(w, line)
		}
		if task.Plan.Feedback != "" {
			_, _ = fmt.Fprintf(w, "  Feedback: %s\n", task.Plan.Feedback)
		}
	}
}

// newTaskRmCommand creates the task rm command.
func newTaskRmCommand(c *app.Container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Long:  "Delete a task and its captured output. A dispatched task is stopped first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			rt, err := c.BuildRuntime()
			if err != nil {
				return err
			}
			if err := rt.Engine.DeleteTask(id); err != nil {
				return err
			}
			// Workspace removal is best-effort; a task without one is a no-op.
			if err := c.Workspaces.Cleanup(id); err != nil {
				c.Logger.Warn(id, "cli", "workspace cleanup: "+err.Error())
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted task #%d\n", id)
			return nil
		},
	}
	return cmd
}
