package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcflow/internal/config"
	"github.com/3leaps/pcflow/pkg/output"
)

// testEnv points every path pcflow writes to into a temp dir and selects
// the file store, the local backend and a disabled validator.
func testEnv(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	home := filepath.Join(root, "home")
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("PCFLOW_LOG_LEVEL", "error")
	t.Setenv("PCFLOW_LOG_PROFILE", "STRUCTURED")
	t.Setenv("PCFLOW_STORE", "file")
	t.Setenv("PCFLOW_STORE_DIR", filepath.Join(root, "state"))
	t.Setenv("PCFLOW_BACKEND", "local")
	t.Setenv("PCFLOW_LOCAL_ROOT", filepath.Join(root, "jobs"))
	t.Setenv("PCFLOW_BINARY_REPOSITORY", filepath.Join(root, "repo"))
	t.Setenv("PCFLOW_VALIDATOR_ENABLED", "false")
	t.Setenv("PCFLOW_LOCK_DIR", filepath.Join(root, "locks"))
	return root
}

// testConfig loads a configuration from testEnv.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	testEnv(t)
	cfg, err := config.Load(context.Background())
	require.NoError(t, err)
	return cfg
}

// resetFlags restores every flag of the command tree to its default so
// package-level flag variables do not leak between tests.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { appConfig = nil })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// decodeRecords parses JSONL output into envelopes.
func decodeRecords(t *testing.T, out string) []output.Record {
	t.Helper()
	var recs []output.Record
	sc := bufio.NewScanner(bytes.NewBufferString(out))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r output.Record
		require.NoError(t, json.Unmarshal(line, &r), "line: %s", line)
		recs = append(recs, r)
	}
	require.NoError(t, sc.Err())
	return recs
}

func decodeData[T any](t *testing.T, r output.Record) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Data, &v))
	return v
}
