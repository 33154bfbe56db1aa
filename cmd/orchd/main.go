// Package main implements the orchd CLI: plan-driven task orchestration
// against a target repository.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orchd/internal/config"
	"github.com/fyrsmithlabs/orchd/internal/logging"
	"github.com/fyrsmithlabs/orchd/internal/record"
	"github.com/fyrsmithlabs/orchd/internal/telemetry"
)

// Version information (set via ldflags during build)
var version = "dev"

var (
	// repoDir is the target repository orchd operates on.
	repoDir string
	// configPath overrides the default config file location.
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchd",
	Short: "Plan-driven task execution orchestrator",
	Long: `orchd executes an implementation plan against a repository: it parses
task declarations, schedules independent tasks in parallel, drives a coding
agent through each task's phases, audits the artifacts the agent claims, and
checkpoints completed phases as git commits.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoDir, "dir", "C", ".", "target repository directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <dir>/.orchd/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(validateCmd)
}

// runtime bundles what every subcommand needs.
type runtime struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	store  *record.Store
}

func setup(ctx context.Context) (*runtime, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath(repoDir)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       true,
		ServiceName:    "orchd",
		ServiceVersion: version,
		SampleRate:     1.0,
	})
	if err != nil {
		return nil, err
	}

	logCfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level: %w", err)
	}
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, err
	}
	if degraded, reason := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded: "+reason)
	}

	recordsDir := cfg.Records.Dir
	if !filepath.IsAbs(recordsDir) {
		recordsDir = filepath.Join(repoDir, recordsDir)
	}
	store, err := record.NewStore(recordsDir)
	if err != nil {
		return nil, err
	}

	return &runtime{cfg: cfg, logger: logger, tel: tel, store: store}, nil
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
	_ = rt.logger.Sync()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
