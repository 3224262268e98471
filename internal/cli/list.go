package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/me/gowq/pkg/model"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var jobID, typ, host string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			q := url.Values{}
			if jobID != "" {
				q.Set("job_id", jobID)
			}
			if typ != "" {
				q.Set("type", typ)
			}
			if host != "" {
				q.Set("host", host)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/workitems/"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list work items: %w", err)
			}
			var items []model.WorkItem
			if err := decode(resp, &items); err != nil {
				return err
			}

			if len(items) == 0 {
				fmt.Fprintln(out, "No work items found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-20s  %-12s  %-12s  %-16s  %s\n", "ID", "NAME", "TYPE", "STATE", "HOST", "CREATED")
			fmt.Fprintf(out, "%-40s  %-20s  %-12s  %-12s  %-16s  %s\n", "--", "----", "----", "-----", "----", "-------")
			for _, it := range items {
				st := state(it.LaunchedAt, it.CompletedAt, it.Status)
				if it.Hold && it.LaunchedAt == nil && it.CompletedAt == nil {
					st = "Held"
				}
				fmt.Fprintf(out, "%-40s  %-20s  %-12s  %-12s  %-16s  %s\n", it.ID, it.Name, it.Type, st, it.Host, ago(&it.CreatedAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Only work items of this job")
	cmd.Flags().StringVar(&typ, "type", "", "Only work items of this type")
	cmd.Flags().StringVar(&host, "host", "", "Only work items pinned to or claimed by this host")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of work items")
	return cmd
}
