package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTerminateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Terminate a work item or every work item of a job",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "item <work_item_id>",
			Short: "Terminate one work item on whichever host runs it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := client.Post("/api/v1/workitems/"+args[0]+"/terminate", nil); err != nil {
					return fmt.Errorf("terminate work item: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Work item %s: terminate requested\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "job <job_id>",
			Short: "Terminate every incomplete work item of a job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := client.Post("/api/v1/jobs/"+args[0]+"/terminate", nil)
				if err != nil {
					return fmt.Errorf("terminate job: %w", err)
				}
				var data struct {
					Terminated int `json:"terminated"`
				}
				if err := decode(resp, &data); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %d work items terminated on the server host\n", args[0], data.Terminated)
				return nil
			},
		},
	)
	return cmd
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <job_id>",
		Short: "Rerun the failed partitions of a restartable job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/jobs/"+args[0]+"/restart", nil)
			if err != nil {
				return fmt.Errorf("restart job: %w", err)
			}
			var data struct {
				Restarted int `json:"restarted"`
			}
			if err := decode(resp, &data); err != nil {
				return err
			}
			if data.Restarted == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s: nothing to restart\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %d partitions restarted\n", args[0], data.Restarted)
			return nil
		},
	}
}
