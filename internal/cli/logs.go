package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runoshun/foreman/internal/app"
	"github.com/runoshun/foreman/internal/domain"
)

// newLogsCommand creates the logs command for printing captured output.
func newLogsCommand(c *app.Container) *cobra.Command {
	var opts struct {
		Stream     string
		Timestamps bool
	}

	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print a task's captured output",
		Long: `Print the durably stored output lines for a task, in capture
order. Output survives crashes and restarts; lines from runs before the
current one are included.

Examples:
  foreman logs 1
  foreman logs 1 --stream error
  foreman logs 1 --timestamps`,
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

			lines, err := c.Output.LoadLines(id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, line := range lines {
				if opts.Stream != "" && string(line.Stream) != opts.Stream {
					continue
				}
				content := line.Content
				if line.Stream == domain.StreamError {
					content = errorStyle.Render(content)
				}
				if opts.Timestamps {
					_, _ = fmt.Fprintf(out, "%s %s\n", mutedStyle.Render(line.Time.Format("15:04:05")), content)
				} else {
					_, _ = fmt.Fprintln(out, content)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Stream, "stream", "", "Only one stream (primary, error)")
	cmd.Flags().BoolVar(&opts.Timestamps, "timestamps", false, "Prefix each line with its capture time")

	return cmd
}
