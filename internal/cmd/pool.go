package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Iron-Ham/relay/internal/pool"
	"github.com/spf13/cobra"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Split a task across parallel workers",
	Long: `A worker pool turns a queued task into a tracker over N workers that
run in parallel. Each worker receives a scope generated by the chosen
strategy:

  split          bulleted items in the instructions are divided round-robin
  collaborative  every worker shares the full scope
  review         worker 1 implements, the others review`,
}

var poolCreateCmd = &cobra.Command{
	Use:   "create <task-id>",
	Short: "Convert a queued task into a worker pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoolCreate,
}

var poolCheckCmd = &cobra.Command{
	Use:   "check <pool-id>",
	Short: "Re-evaluate a worker pool and settle it if every worker is done",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoolCheck,
}

var poolMergeCmd = &cobra.Command{
	Use:   "merge <pool-id>",
	Short: "Print a markdown report merging every worker's results",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoolMerge,
}

var (
	poolWorkers      int
	poolStrategy     string
	poolInstructions string
	poolMergeOutput  string
)

func init() {
	poolCreateCmd.Flags().IntVarP(&poolWorkers, "workers", "n", 2, "Number of workers")
	poolCreateCmd.Flags().StringVarP(&poolStrategy, "strategy", "s", string(pool.StrategySplit), "Scope strategy: split, collaborative, review")
	poolCreateCmd.Flags().StringVarP(&poolInstructions, "instructions", "i", "", "Instructions to divide (default: the task description)")

	poolMergeCmd.Flags().StringVarP(&poolMergeOutput, "output", "o", "", "Write the report to a file instead of stdout")

	poolCmd.AddCommand(poolCreateCmd, poolCheckCmd, poolMergeCmd)
	rootCmd.AddCommand(poolCmd)
}

func runPoolCreate(cmd *cobra.Command, args []string) error {
	if !pool.Strategy(poolStrategy).IsValid() {
		names := make([]string, 0, len(pool.Strategies()))
		for _, s := range pool.Strategies() {
			names = append(names, string(s))
		}
		return fmt.Errorf("unknown strategy %q (valid: %s)", poolStrategy, strings.Join(names, ", "))
	}

	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	tracker, err := orc.Pools().CreateWorkerPool(cmd.Context(), args[0], poolWorkers, pool.Strategy(poolStrategy), poolInstructions)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), tracker)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created worker pool %s with %d workers (%s)\n", tracker.ID, tracker.TotalWorkers, poolStrategy)
	assignments, err := orc.Pools().Assignments(cmd.Context(), tracker.ID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		fmt.Fprintf(out, "  worker %d: %s\n", a.WorkerIndex, a.TaskID)
	}
	return nil
}

func runPoolCheck(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	if _, err := orc.Pools().CheckWorkerPoolCompletion(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to check worker pool: %w", err)
	}
	tracker, err := orc.Tasks().Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), tracker)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Worker pool %s: %s\n", tracker.ID, tracker.Status)
	if tracker.Result != "" {
		fmt.Fprintln(cmd.OutOrStdout(), tracker.Result)
	}
	if tracker.Error != "" {
		fmt.Fprintln(cmd.OutOrStdout(), tracker.Error)
	}
	return nil
}

func runPoolMerge(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	report, err := orc.Pools().MergeWorkerOutputs(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to merge worker outputs: %w", err)
	}
	if poolMergeOutput != "" {
		if err := os.WriteFile(poolMergeOutput, []byte(report), 0644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", poolMergeOutput)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), report)
	return nil
}
