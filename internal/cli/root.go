package cli

import (
	"log/slog"
	"os"

	"github.com/me/gowq/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking GOWQ_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("GOWQ_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the gowq CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gowq",
		Short: "GoWQ operator CLI",
		Long:  "gowq submits work items and jobs to a GoWQ host and controls its scheduler.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "GoWQ server URL (or GOWQ_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newTerminateCmd(),
		newRestartCmd(),
		newSuspendCmd(),
		newResumeCmd(),
		newWakeCmd(),
		newPingCmd(),
		newThreadsCmd(),
		newPoolsCmd(),
		newResetOrphansCmd(),
	)

	return root
}
