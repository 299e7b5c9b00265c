package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kubilitics/anomaly-hunter/internal/config"
)

// Package main is the entry point of the anomaly-hunter command.
//
// Commands:
//   - detect:   run one detection over a CSV or Excel column (or every column)
//   - serve:    start the REST/WebSocket API with gRPC health
//   - learning: print the adaptive weight snapshot and calibration suggestions
//   - demo:     run a detection over a built-in synthetic series
//
// Configuration precedence (highest first):
//   1. CLI flags
//   2. ANOMALY_HUNTER_* environment variables (optionally from a .env file)
//   3. YAML config file (--config, default anomaly-hunter.yaml)
//   4. Built-in defaults

var (
	buildVersion = "unknown"

	cfgFile  string
	logLevel string
	envFile  string
	useLLM   bool
)

const defaultEnvFile = ".env"

// rootCmd represents the root command
var rootCmd = &cobra.Command{
	Use:           "anomaly-hunter",
	Short:         "Multi-strategy anomaly detection with adaptive consensus",
	Version:       buildVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
	},
}

// loadEnvFile loads KEY=VALUE pairs into the process environment. A missing
// default file is fine; a missing file named on the command line is not.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func initFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", defaultEnvFile, "dotenv file loaded before configuration")
	rootCmd.PersistentFlags().BoolVar(&useLLM, "oracle", false, "consult the local LLM oracle (overrides oracle.enabled)")

	rootCmd.AddCommand(
		newDetectCmd(),
		newServeCmd(),
		newLearningCmd(),
		newDemoCmd(),
	)
}

func main() {
	initFlags()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
