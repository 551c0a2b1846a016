package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"webintel/internal/config"
	"webintel/internal/logging"
)

var (
	// Global flags
	configPath string
	dataDir    string
	dbName     string
	verbose    bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "webintel",
	Short: "webintel - entity-aware web intelligence",
	Long: `webintel crawls the web around a target entity, extracts and verifies
structured facts with a local language model, and answers questions over
the accumulated knowledge base.

Knowledge lives in named databases (relational + vector); use the db
subcommands to create and switch between them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if verbose {
			cfg.Logging.Debug = true
			cfg.Logging.Level = "debug"
		}
		return logging.Initialize(cfg.DataDir, true, cfg.Logging.Level)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to webintel.yaml")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")
	rootCmd.PersistentFlags().StringVar(&dbName, "db", "", "use a specific database instead of the active one")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(dbCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// signalContext cancels on SIGINT/SIGTERM so long crawls stop cleanly.
func signalContext(cmd *cobra.Command) func() {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	cmd.SetContext(ctx)
	return stop
}
