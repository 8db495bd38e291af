// Package cmd implements the pcflow command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcflow/internal/config"
	"github.com/3leaps/pcflow/internal/observability"
	"github.com/3leaps/pcflow/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var (
	rootConfigPath string
	rootLogLevel   string
	rootLogProfile string
	rootStore      string
	rootBackend    string

	// appConfig is the configuration loaded by the root pre-run hook.
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pcflow",
	Short: "Drive private computation instances through their stage flows",
	Long: `pcflow orchestrates multi-party private computation instances.

An instance moves through an ordered flow of stages (creation, pre-validation,
identity matching, sharding, computation, aggregation, post-processing).
Each stage launches worker jobs on a job backend (ECS or local processes);
pcflow polls their status and advances the instance.

Examples:
  pcflow flows list
  pcflow instance create --role partner --input-path s3://bucket/input.csv
  pcflow instance run <instance_id>
  pcflow serve`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootConfigPath, "config", "", "Config file (default: ./pcflow.yaml or user config dir)")
	pf.StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&rootLogProfile, "log-profile", "", "Log profile: STRUCTURED or CONSOLE")
	pf.StringVar(&rootStore, "store", "", "Instance store: sqlite, s3 or file")
	pf.StringVar(&rootBackend, "backend", "", "Job backend: ecs or local")
}

// Execute runs the command tree.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	return rootCmd.ExecuteContext(ctx)
}

func loadRuntime(cmd *cobra.Command, _ []string) error {
	if rootConfigPath != "" {
		if err := os.Setenv(config.EnvConfigFile, rootConfigPath); err != nil {
			return err
		}
	}

	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(exitInvalidArgument, "Invalid logging configuration", err)
	}
	appConfig = cfg

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store", cfg.Store.Backend),
		zap.String("backend", cfg.Backend.Type),
		zap.String("default_flow", cfg.Flows.Default),
	)
	return nil
}

// flagOverrides turns explicitly set persistent flags into runtime overrides.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(name, key string, value string) {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			return
		}
		out[key] = value
	}
	set("log-level", "logging.level", rootLogLevel)
	set("log-profile", "logging.profile", rootLogProfile)
	set("store", "store.backend", rootStore)
	set("backend", "backend.type", rootBackend)
	return nestKeys(out)
}

// nestKeys converts dotted keys into the nested maps config.Load expects.
func nestKeys(flat map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range flat {
		m := out
		parts := strings.Split(key, ".")
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = value
	}
	return out
}

func currentConfig() (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	return nil, fmt.Errorf("configuration not loaded")
}
