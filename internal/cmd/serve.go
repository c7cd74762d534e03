package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Process the queue until interrupted",
	Long: `Run the queue loop: every interval (and whenever a worker writes its
done marker) running workers are checked for completion, failure or
timeout, and pending tasks are admitted up to the concurrency limit.

Unless metrics.addr is empty, Prometheus metrics are served at /metrics,
a health check at /healthz and a JSON queue summary at /queue.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("max-concurrent", 0, "Override queue.max_concurrent_tasks")
	serveCmd.Flags().Int("interval", 0, "Override queue.interval_seconds")
	serveCmd.Flags().String("metrics-addr", "", "Override metrics.addr (empty string in config disables)")
	_ = viper.BindPFlag("queue.max_concurrent_tasks", serveCmd.Flags().Lookup("max-concurrent"))
	_ = viper.BindPFlag("queue.interval_seconds", serveCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("metrics.addr", serveCmd.Flags().Lookup("metrics-addr"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := orc.Config()
	fmt.Fprintf(cmd.OutOrStdout(), "relay serving %s (max %d concurrent, every %s)\n",
		orc.DataDir(), cfg.Queue.MaxConcurrentTasks, cfg.Queue.Interval())
	if cfg.Metrics.Addr != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "metrics on http://%s/metrics\n", cfg.Metrics.Addr)
	}

	if err := orc.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "relay stopped")
	return nil
}
