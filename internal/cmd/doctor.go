package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcflow/internal/config"
	"github.com/3leaps/pcflow/internal/observability"
	"github.com/3leaps/pcflow/pkg/binary"
	"github.com/3leaps/pcflow/pkg/instancestore"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the pcflow environment and suggest fixes for
common issues: configuration, flow definitions, the instance store, the
binary catalogue and, for the ecs backend, AWS credentials.

Examples:
  pcflow doctor
  pcflow doctor --backend ecs`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{"Go runtime", func(context.Context, *config.Config) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{"Crucible and gofulmen", checkCrucible},
		{"data directory", checkDataDir},
		{"flow catalogue", checkFlows},
		{"instance store", checkStore},
		{"binary catalogue", checkBinaries},
	}
	if strings.EqualFold(cfg.Backend.Type, "ecs") {
		checks = append(checks, doctorCheck{"AWS credentials", checkAWSCredentials})
	}
	return checks
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	log := observability.CLILogger

	log.Info("=== pcflow doctor ===")
	checks := doctorChecks(cfg)
	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx, cfg)
		if err != nil {
			failed++
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌", i+1, len(checks), c.name), zap.Error(err))
			continue
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", i+1, len(checks), c.name, detail))
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(exitServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info("✅ All checks passed!")
	return nil
}

func checkCrucible(context.Context, *config.Config) (string, error) {
	v := crucible.GetVersion()
	if v.Crucible == "" {
		return "", fmt.Errorf("cannot access Crucible")
	}
	if v.Gofulmen == "" {
		return "", fmt.Errorf("cannot access gofulmen")
	}
	return fmt.Sprintf("crucible v%s, gofulmen v%s", v.Crucible, v.Gofulmen), nil
}

func checkDataDir(context.Context, *config.Config) (string, error) {
	dir := config.DataDir()
	if dir == "" {
		return "", fmt.Errorf("cannot resolve app data directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func checkFlows(_ context.Context, cfg *config.Config) (string, error) {
	a, err := newApp(cfg)
	if err != nil {
		return "", err
	}
	defer a.Close()
	if _, err := a.flow(""); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d flows, default %s", len(a.flows.Names()), cfg.Flows.Default), nil
}

func checkStore(ctx context.Context, cfg *config.Config) (string, error) {
	s, err := instancestore.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return "", err
	}
	defer func() { _ = s.Close() }()
	if _, err := s.List(ctx, instancestore.ListOptions{Limit: 1}); err != nil {
		return "", err
	}
	return cfg.Store.Backend, nil
}

func checkBinaries(_ context.Context, cfg *config.Config) (string, error) {
	if cfg.Binaries.File == "" {
		return "defaults version " + cfg.Binaries.Defaults.Version, nil
	}
	c, err := binary.Load(cfg.Binaries.File)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%d entries)", cfg.Binaries.File, len(c.Names())), nil
}

func checkAWSCredentials(ctx context.Context, cfg *config.Config) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Backend.ECS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Backend.ECS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s via %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
