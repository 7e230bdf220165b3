package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"nftguard/config"
	"nftguard/logging"
	"nftguard/signalhandler"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nftguard",
	Short: "Duplicate detection and price estimation for NFT listings",
	Long: `nftguard keeps a catalog of known assets, flags new listings whose image is
structurally similar to a catalog image, and estimates a listing price from its
rarity score, sales count and artist reputation.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML)")
	flags.String("database", "", "path to the sqlite database (default: nftguard.db next to the executable)")
	flags.String("model", "", "path of the valuation model file")
	flags.Float64("threshold", 0, "similarity threshold in [0, 1] (default 0.9)")
	flags.Int("workers", 0, "concurrent comparisons and decodes")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or console")
	flags.String("log-file", "", "also write logs to this file")

	// Bind flags to viper keys; unset flags keep file, env or default values
	bindings := map[string]string{
		"database":   "database",
		"model":      "model_path",
		"threshold":  "threshold",
		"workers":    "workers",
		"debug":      "debug",
		"log-level":  "log.level",
		"log-format": "log.format",
		"log-file":   "log.file",
	}
	for flag, key := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(
		newIngestCmd(),
		newTrainCmd(),
		newEvaluateCmd(),
		newCompareCmd(),
		newStatsCmd(),
		newHistoryCmd(),
		newServeCmd(),
		newConfigCmd(),
		versionCmd,
	)
}

// setup loads the configuration and starts logging before any command runs
func setup(cmd *cobra.Command, args []string) error {
	if err := config.ReadFile(v, cfgFile); err != nil {
		return err
	}
	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded

	if err := logging.SetupLogger(cfg.LogOptions()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to setup logging: %v\n", err)
	}

	// Set the optimal number of CPUs to use
	runtime.GOMAXPROCS(signalhandler.GetOptimalProcs())

	logging.DebugLog("Configuration loaded (database %s, threshold %.2f, workers %d)",
		cfg.Database, cfg.Threshold, cfg.Workers)
	return nil
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print version information",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nftguard v%s\n", version)
	},
}

func main() {
	// Set up proper signal handling
	ctx, cancel := signalhandler.SetupHandler(context.Background())

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	logging.CloseLogger()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
