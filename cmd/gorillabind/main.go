// Command gorillabind exercises the callback bridge from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paveg/gorillabind"
	"github.com/paveg/gorillabind/internal/config"
	"github.com/paveg/gorillabind/internal/version"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "gorillabind",
	Short:         "Cross-goroutine callback bridge for the gorilla engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		gorillabind.SetDefaultConfig(cfg)
		return nil
	},
}

func init() {
	// The goroutine running main is the host-execution goroutine for every
	// command, so it must stay on one OS thread.
	runtime.LockOSThread()
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "JSON or YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	stressCmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent batch round trips through one dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			workers, _ := cmd.Flags().GetInt("workers")
			calls, _ := cmd.Flags().GetInt("calls")
			rows, _ := cmd.Flags().GetInt("rows")
			return runStress(cmd.Context(), cmd.OutOrStdout(), stressOptions{workers: workers, calls: calls, rows: rows})
		},
	}
	stressCmd.Flags().Int("workers", 8, "worker goroutines")
	stressCmd.Flags().Int("calls", 100, "calls per worker")
	stressCmd.Flags().Int("rows", 16, "rows per batch")

	backgroundCmd := &cobra.Command{
		Use:   "background",
		Short: "Run deferred tasks on the background pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, _ := cmd.Flags().GetInt("tasks")
			rows, _ := cmd.Flags().GetInt("rows")
			return runBackground(cmd.OutOrStdout(), gorillabind.DefaultConfig(), tasks, rows)
		},
	}
	backgroundCmd.Flags().Int("tasks", 32, "deferred tasks to submit")
	backgroundCmd.Flags().Int("rows", 1024, "rows per task")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve monitoring endpoints while generating callback traffic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := gorillabind.DefaultConfig()
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				cfg.MetricsPort = port
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			return runServe(cmd.Context(), cmd.OutOrStdout(), cfg, interval)
		},
	}
	serveCmd.Flags().Int("port", 0, "monitoring port (default from config)")
	serveCmd.Flags().Duration("interval", defaultServeInterval, "time between generated batches")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.Info().String())
			if !version.IsRelease() {
				fmt.Fprintln(cmd.OutOrStdout(), "Development build")
			}
		},
	}

	rootCmd.AddCommand(stressCmd, backgroundCmd, serveCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// loadConfig layers the configuration: defaults, then the --config file,
// then GORILLABIND_* variables, then flags.
func loadConfig() (gorillabind.Config, error) {
	cfg := config.LoadFromEnv()
	if configPath != "" {
		loaded, err := gorillabind.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = config.ApplyEnv(loaded)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}
