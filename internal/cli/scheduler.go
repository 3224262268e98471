package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/me/gowq/pkg/model"
	"github.com/spf13/cobra"
)

func newSuspendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suspend",
		Short: "Stop the scheduler from admitting new work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerAction(cmd.OutOrStdout(), "suspend")
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume admission of new work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerAction(cmd.OutOrStdout(), "resume")
		},
	}
}

func schedulerAction(out io.Writer, action string) error {
	resp, err := client.Post("/api/v1/scheduler/"+action, nil)
	if err != nil {
		return fmt.Errorf("%s scheduler: %w", action, err)
	}
	var st model.SchedulerStatus
	if err := decode(resp, &st); err != nil {
		return err
	}
	printStatus(out, st)
	return nil
}

func newWakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Run a scheduling cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Post("/api/v1/scheduler/wake", nil); err != nil {
				return fmt.Errorf("wake scheduler: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Scheduler woken")
			return nil
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Wait for the next scheduler heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/ping")
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			var data struct {
				Host    string `json:"host"`
				Elapsed string `json:"elapsed"`
			}
			if err := decode(resp, &data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: heartbeat after %s\n", data.Host, data.Elapsed)
			return nil
		},
	}
}

func newThreadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads <type> <n|clear>",
		Short: "Override the thread limit of a type on the server host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"max_threads": nil}
			if args[1] != "clear" {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("thread limit %q: want an integer or \"clear\"", args[1])
				}
				body["max_threads"] = n
			}

			resp, err := client.Put("/api/v1/scheduler/types/"+args[0]+"/threads", body)
			if err != nil {
				return fmt.Errorf("set threads: %w", err)
			}
			var st model.SchedulerStatus
			if err := decode(resp, &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newPoolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "Show scheduler pool status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/scheduler/")
			if err != nil {
				return fmt.Errorf("get scheduler status: %w", err)
			}
			var st model.SchedulerStatus
			if err := decode(resp, &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newResetOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-orphans <host>",
		Short: "Recover work items left running by a stopped host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/hosts/"+args[0]+"/orphans/reset", nil)
			if err != nil {
				return fmt.Errorf("reset orphans: %w", err)
			}
			var data struct {
				Recovered int `json:"recovered"`
			}
			if err := decode(resp, &data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Host %s: %d orphaned work items recovered\n", args[0], data.Recovered)
			return nil
		},
	}
}

func printStatus(out io.Writer, st model.SchedulerStatus) {
	mode := "running"
	if st.Suspended {
		mode = "suspended"
	}
	fmt.Fprintf(out, "Host: %s (%s)\n", st.Host, mode)
	fmt.Fprintf(out, "  Running:    %d of %d\n", st.Running, st.MaxThreads)
	fmt.Fprintf(out, "  Cycles:     %d\n", st.Cycles)
	fmt.Fprintf(out, "  Last cycle: %s\n", ago(st.LastCycle))
	if len(st.Pools) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%-20s  %8s  %8s  %8s  %8s\n", "TYPE", "RUNNING", "THREADS", "QUEUED", "QUEUE")
	for _, p := range st.Pools {
		fmt.Fprintf(out, "%-20s  %8d  %8s  %8d  %8s\n", p.Type, p.Running, limit(p.MaxThreads), p.Queued, limit(p.MaxQueue))
	}
}

func limit(n int) string {
	if n < 0 {
		return "-"
	}
	return strconv.Itoa(n)
}
