package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/runoshun/foreman/internal/app"
	"github.com/runoshun/foreman/internal/domain"
	"github.com/runoshun/foreman/internal/engine"
	"github.com/runoshun/foreman/internal/infra/backlog"
)

// autoContinueDelay is the pause between successive backlog features, so a
// human watching the loop can interrupt between items.
var autoContinueDelay = 3 * time.Second

// newAutoCommand creates the auto command for backlog-driven execution.
func newAutoCommand(c *app.Container) *cobra.Command {
	var opts struct {
		Project string
		Service string
	}

	cmd := &cobra.Command{
		Use:   "auto <backlog.yaml>",
		Short: "Process a feature backlog autonomously",
		Long: `Read a YAML feature backlog and run one autonomous task per
remaining feature until every entry is done.

The backlog file holds a project description and an ordered feature
list:

  project: Note-taking web app
  features:
    - id: 1
      description: User can create a note
    - id: 2
      description: User can search notes

Features are dispatched with the configured concurrency (capacity).
Each feature that completes is marked done and the file is saved, so an
interrupted run picks up where it left off. Autonomous tasks skip the
review gate and go straight to 'completed'.

Examples:
  foreman auto backlog.yaml
  foreman auto backlog.yaml --project ~/src/notes --service acp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := filepath.Abs(opts.Project)
			if err != nil {
				return fmt.Errorf("resolve project directory: %w", err)
			}

			b, err := backlog.Load(args[0])
			if err != nil {
				return err
			}
			rt, err := c.BuildRuntime()
			if err != nil {
				return err
			}
			return runBacklog(cmd.OutOrStdout(), rt, b, project, domain.Service(opts.Service))
		},
	}

	cmd.Flags().StringVar(&opts.Project, "project", ".", "Target project directory")
	cmd.Flags().StringVar(&opts.Service, "service", string(domain.ServiceLocal), "Execution backend (local, acp, remote)")

	return cmd
}

// runBacklog drives the backlog until done or a feature fails. Up to the
// runtime's capacity features are in flight at once; a failure stops new
// launches but lets the in-flight ones drain.
func runBacklog(out io.Writer, rt *app.Runtime, b *backlog.Backlog, project string, service domain.Service) error {
	if err := rt.Engine.Recover(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	remaining := b.Remaining()
	if len(remaining) == 0 {
		fmt.Fprintln(out, "backlog already done")
		return nil
	}
	fmt.Fprintf(out, "%s\n", titleStyle.Render(fmt.Sprintf("%s: %d feature(s) remaining", b.Project, len(remaining))))

	settledCh := make(chan int, len(remaining))
	var mu sync.Mutex
	seen := make(map[int]struct{})
	unsubscribe := rt.Engine.Subscribe(func(ev domain.Event) {
		if ev.Task == nil || !settled(ev.Task.Status) {
			return
		}
		mu.Lock()
		_, dup := seen[ev.TaskID]
		seen[ev.TaskID] = struct{}{}
		mu.Unlock()
		if !dup {
			settledCh <- ev.TaskID
		}
	})
	defer unsubscribe()

	inFlight := make(map[int]backlog.Feature)
	next := 0
	launched := 0
	var failErr error

	for next < len(remaining) || len(inFlight) > 0 {
		for failErr == nil && next < len(remaining) && len(inFlight) < rt.Capacity {
			if launched > 0 {
				time.Sleep(autoContinueDelay)
			}
			feature := remaining[next]
			next++

			description := feature.Description
			if b.Project != "" {
				description = fmt.Sprintf("Project: %s\n\nFeature: %s", b.Project, feature.Description)
			}
			task, err := rt.Engine.CreateTask(engine.CreateTaskInput{
				Project:     project,
				Description: description,
				AgentType:   domain.AgentAutonomous,
				Service:     service,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "feature %d -> task #%d\n", feature.ID, task.ID)

			// Register before Start so a fast settle event finds the entry.
			inFlight[task.ID] = feature
			launched++
			if err := rt.Engine.Start(task.ID); err != nil {
				return err
			}
		}
		if len(inFlight) == 0 {
			break
		}

		id := <-settledCh
		feature, ok := inFlight[id]
		if !ok {
			continue
		}
		delete(inFlight, id)

		final, err := rt.Engine.GetTask(id)
		if err != nil {
			return err
		}
		if final.Status != domain.StatusCompleted {
			if failErr == nil {
				failErr = fmt.Errorf("feature %d: task #%d ended %s: %s", feature.ID, id, final.Status, final.Error)
			}
			continue
		}

		b.MarkDone(feature.ID)
		if err := b.Save(); err != nil {
			return err
		}
		fmt.Fprintf(out, "feature %d %s\n", feature.ID, renderStatus(domain.StatusCompleted))
	}
	if failErr != nil {
		return failErr
	}

	fmt.Fprintln(out, "backlog done")
	return nil
}
