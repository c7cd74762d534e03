package cmd

import (
	"fmt"

	"github.com/Iron-Ham/relay/internal/task"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the task queue",
}

var queueTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one queue pass: sweep running workers, then admit pending tasks",
	Long: `Run a single queue pass in this process. Useful from cron or scripts
when 'relay serve' is not running. Workers launched by this pass keep
running after the command exits.`,
	Args: cobra.NoArgs,
	RunE: runQueueTick,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts and queue limits",
	Args:  cobra.NoArgs,
	RunE:  runQueueStatus,
}

func init() {
	queueCmd.AddCommand(queueTickCmd, queueStatusCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueTick(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	res, err := orc.Queue().ProcessQueue(cmd.Context())
	if err != nil {
		return fmt.Errorf("queue pass failed: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Swept %d, admitted %d; %d running, %d pending (%s)\n",
		res.Swept, res.Admitted, res.Running, res.Pending, res.Duration)
	return nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	stats, err := orc.Queue().Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), stats)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running: %d of %d\n", stats.Running, stats.MaxConcurrent)
	fmt.Fprintf(out, "Pending: %d\n", stats.Pending)
	fmt.Fprintf(out, "Trackers: %d\n", stats.Trackers)
	fmt.Fprintf(out, "Retry budget: %d\n", stats.RetryBudget)
	fmt.Fprintln(out)
	for _, s := range task.AllStatuses() {
		fmt.Fprintf(out, "  %-10s %d\n", s, stats.Counts[s])
	}
	return nil
}
