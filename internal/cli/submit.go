package cli

import (
	"fmt"
	"os"

	"github.com/me/gowq/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newSubmitCmd() *cobra.Command {
	var host string
	var hold bool

	cmd := &cobra.Command{
		Use:   "submit <file.yaml>",
		Short: "Submit a work item or a partitioned job",
		Long: `Submit reads a YAML (or JSON) document. A document with a "partitions"
list is submitted as a job; anything else as a single work item. Field
names are the API's: name, type, host, phase, dependent_phase, hold,
args, max_retries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			var doc map[string]any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if doc == nil {
				return fmt.Errorf("%s is empty", args[0])
			}

			if parts, ok := doc["partitions"].([]any); ok {
				for _, p := range parts {
					if m, ok := p.(map[string]any); ok {
						applyOverrides(m, host, hold)
					}
				}
				logger.Info("submitting job", "partitions", len(parts))
				resp, err := client.Post("/api/v1/jobs/", doc)
				if err != nil {
					return fmt.Errorf("submit job: %w", err)
				}
				var job model.Job
				if err := decode(resp, &job); err != nil {
					return err
				}
				fmt.Fprintf(out, "Job submitted: %s\n", job.ID)
				fmt.Fprintf(out, "  Name:       %s\n", job.Name)
				fmt.Fprintf(out, "  Partitions: %d\n", len(job.Partitions))
				return nil
			}

			applyOverrides(doc, host, hold)
			logger.Info("submitting work item", "type", doc["type"])
			resp, err := client.Post("/api/v1/workitems/", doc)
			if err != nil {
				return fmt.Errorf("submit work item: %w", err)
			}
			var item model.WorkItem
			if err := decode(resp, &item); err != nil {
				return err
			}
			fmt.Fprintf(out, "Work item submitted: %s\n", item.ID)
			fmt.Fprintf(out, "  Name: %s\n", item.Name)
			fmt.Fprintf(out, "  Type: %s\n", item.Type)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Pin the submitted work to this host")
	cmd.Flags().BoolVar(&hold, "hold", false, "Submit on hold")
	return cmd
}

func applyOverrides(m map[string]any, host string, hold bool) {
	if host != "" {
		m["host"] = host
	}
	if hold {
		m["hold"] = true
	}
}
