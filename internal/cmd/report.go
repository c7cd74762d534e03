package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Iron-Ham/relay/internal/status"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report worker status (run by workers)",
	Long: `Commands a worker runs to tell relay how it is doing. They write to the
worker's status directory, taken from $RELAY_STATUS_DIR unless
--status-dir is given. None of them need the task store.`,
}

var reportProgressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Record a progress sample",
	Args:  cobra.NoArgs,
	RunE:  runReportProgress,
}

var reportLogCmd = &cobra.Command{
	Use:   "log <message>",
	Short: "Append a line to the worker log",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReportLog,
}

var reportDoneCmd = &cobra.Command{
	Use:   "done",
	Short: "Declare the task finished, successfully or not",
	Args:  cobra.NoArgs,
	RunE:  runReportDone,
}

var (
	reportStatusDir string

	reportPercent int
	reportMessage string
	reportStep    string

	reportLevel string

	reportSummary   string
	reportArtifacts []string
	reportFailed    bool
	reportError     string
)

func init() {
	reportCmd.PersistentFlags().StringVar(&reportStatusDir, "status-dir", "", "Status directory (default: $"+status.EnvStatusDir+")")

	reportProgressCmd.Flags().IntVar(&reportPercent, "percent", 0, "Completion percentage, 0-100")
	reportProgressCmd.Flags().StringVarP(&reportMessage, "message", "m", "", "What the worker is doing")
	reportProgressCmd.Flags().StringVar(&reportStep, "step", "", "Name of the current step")

	reportLogCmd.Flags().StringVar(&reportLevel, "level", "info", "Log level: debug, info, warn, error")

	reportDoneCmd.Flags().StringVar(&reportSummary, "summary", "", "What was accomplished")
	reportDoneCmd.Flags().StringSliceVar(&reportArtifacts, "artifact", nil, "Path of a produced file (repeatable)")
	reportDoneCmd.Flags().BoolVar(&reportFailed, "failed", false, "Declare failure instead of success")
	reportDoneCmd.Flags().StringVar(&reportError, "error", "", "What went wrong (with --failed)")

	reportCmd.AddCommand(reportProgressCmd, reportLogCmd, reportDoneCmd)
	rootCmd.AddCommand(reportCmd)
}

// reporter opens the worker's status directory.
func reporter() (*status.Reporter, error) {
	dir := reportStatusDir
	if dir == "" {
		dir = os.Getenv(status.EnvStatusDir)
	}
	if dir == "" {
		return nil, fmt.Errorf("no status directory: set $%s or pass --status-dir", status.EnvStatusDir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}

	logCap := status.DefaultLogCap
	if cfg, err := loadConfig(); err == nil {
		logCap = cfg.Status.LogCap
	}
	return status.NewReporter(dir, status.WithLogCap(logCap)), nil
}

func runReportProgress(cmd *cobra.Command, args []string) error {
	r, err := reporter()
	if err != nil {
		return err
	}
	return r.Progress(status.Progress{
		Percentage:  reportPercent,
		Message:     reportMessage,
		CurrentStep: reportStep,
	})
}

func runReportLog(cmd *cobra.Command, args []string) error {
	r, err := reporter()
	if err != nil {
		return err
	}
	return r.Log(cmd.Context(), reportLevel, strings.Join(args, " "))
}

func runReportDone(cmd *cobra.Command, args []string) error {
	r, err := reporter()
	if err != nil {
		return err
	}
	d := status.Done{
		Status:    status.DoneComplete,
		Summary:   reportSummary,
		Artifacts: reportArtifacts,
	}
	if reportFailed {
		d.Status = status.DoneFailed
		d.Error = reportError
		if d.Error == "" {
			d.Error = reportSummary
		}
		if d.Error == "" {
			d.Error = "worker reported failure"
		}
	}
	if err := r.Done(d); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reported %s\n", d.Status)
	return nil
}
