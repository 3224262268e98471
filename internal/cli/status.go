package cli

import (
	"fmt"
	"sort"

	"github.com/me/gowq/pkg/model"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show a job and its partitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			id := args[0]

			resp, err := client.Get("/api/v1/jobs/" + id)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			var job model.Job
			if err := decode(resp, &job); err != nil {
				return err
			}

			fmt.Fprintf(out, "Job: %s\n", job.ID)
			fmt.Fprintf(out, "  Name:      %s\n", job.Name)
			fmt.Fprintf(out, "  State:     %s\n", state(job.LaunchedAt, job.CompletedAt, job.Status))
			fmt.Fprintf(out, "  Progress:  %s\n", job.Progress)
			if job.RestartCount > 0 {
				fmt.Fprintf(out, "  Restarts:  %d\n", job.RestartCount)
			}
			fmt.Fprintf(out, "  Created:   %s\n", ago(&job.CreatedAt))
			fmt.Fprintf(out, "  Launched:  %s\n", ago(job.LaunchedAt))
			fmt.Fprintf(out, "  Completed: %s\n", ago(job.CompletedAt))

			names := make([]string, 0, len(job.Partitions))
			for name := range job.Partitions {
				names = append(names, name)
			}
			sort.Strings(names)

			if len(names) > 0 {
				fmt.Fprintln(out, "  Partitions:")
				for _, name := range names {
					p := job.Partitions[name]
					fmt.Fprintf(out, "    - %-24s %-12s %-16s %s\n", name, state(p.LaunchedAt, p.CompletedAt, p.Status), p.Host, ago(p.CompletedAt))
					for _, m := range p.Messages {
						fmt.Fprintf(out, "        [%s] %s\n", m.Level, m.Text)
					}
				}
			}
			return nil
		},
	}
}
