package cmd

import (
	"fmt"
	"strings"

	cfgcmd "github.com/Iron-Ham/relay/internal/cmd/config"
	"github.com/Iron-Ham/relay/internal/config"
	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Task queue and orchestrator for coding agents",
	Long: `Relay queues units of work, launches a coding agent per task, watches
each worker for completion, and composes tasks into multi-step pipelines
and parallel worker pools that coordinate through a shared document.

Run 'relay serve' to process the queue. Other commands read and modify
the same task store, so they can be used while the server is running.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// jsonOutput switches read commands to machine-readable output.
var jsonOutput bool

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		var relayErr errors.RelayError
		if errors.As(err, &relayErr) && !errors.IsUserFacing(err) {
			fmt.Fprintln(rootCmd.ErrOrStderr(), "Run 'relay logs --level error' for details.")
		}
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/relay/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (overrides paths.data_dir)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("paths.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	cfgcmd.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAY")
	// e.g. RELAY_QUEUE_MAX_CONCURRENT_TASKS for queue.max_concurrent_tasks
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
