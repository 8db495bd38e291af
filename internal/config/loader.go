package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/pcflow/pkg/driver"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

// EnvPrefix prefixes every environment variable pcflow reads.
const EnvPrefix = "PCFLOW_"

// EnvConfigFile names an explicit config file, bypassing discovery.
const EnvConfigFile = EnvPrefix + "CONFIG"

const configFileName = AppName + ".yaml"

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec maps an environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// Load builds the configuration from defaults, the config file, PCFLOW_*
// environment variables and runtime overrides, in increasing precedence.
// The result becomes the process-wide config returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	path, err := resolveConfigFile()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil before Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite.path", "")
	v.SetDefault("store.sqlite.url", "")
	v.SetDefault("store.sqlite.auth_token", "")
	v.SetDefault("store.prefix", "instances")
	v.SetDefault("store.dir", "")
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.region", "")
	v.SetDefault("store.s3.endpoint", "")
	v.SetDefault("store.s3.profile", "")
	v.SetDefault("store.s3.force_path_style", false)

	v.SetDefault("backend.type", "local")
	v.SetDefault("backend.local.root", "")
	v.SetDefault("backend.ecs.cluster", "")
	v.SetDefault("backend.ecs.task_definition", "")
	v.SetDefault("backend.ecs.container_name", "")
	v.SetDefault("backend.ecs.subnets", []string{})
	v.SetDefault("backend.ecs.security_groups", []string{})
	v.SetDefault("backend.ecs.assign_public_ip", false)
	v.SetDefault("backend.ecs.launch_type", "FARGATE")
	v.SetDefault("backend.ecs.region", "")
	v.SetDefault("backend.ecs.profile", "")
	v.SetDefault("backend.ecs.endpoint", "")
	v.SetDefault("backend.ecs.startup_timeout", 5*time.Minute)

	v.SetDefault("binaries.file", "")
	v.SetDefault("binaries.defaults.version", "latest")
	v.SetDefault("binaries.defaults.repository_path", "")

	v.SetDefault("validator.enabled", true)
	v.SetDefault("validator.region", "")

	v.SetDefault("checkpoints.log", true)
	v.SetDefault("checkpoints.mqtt.broker_url", "")
	v.SetDefault("checkpoints.mqtt.client_id", "")
	v.SetDefault("checkpoints.mqtt.topic_prefix", "pcflow/checkpoints")
	v.SetDefault("checkpoints.mqtt.timeout", 5*time.Second)

	v.SetDefault("driver.poll_interval", driver.DefaultPollInterval)
	v.SetDefault("driver.lock_dir", "")

	v.SetDefault("flows.default", stageflow.FlowPrivateLift)
	v.SetDefault("flows.definitions", []string{})
}

// getEnvSpecs lists the supported environment variables. Short names
// cover the settings operators change most.
func getEnvSpecs() []EnvSpec {
	specs := []EnvSpec{
		{Name: EnvPrefix + "HOST", Path: "server.host"},
		{Name: EnvPrefix + "PORT", Path: "server.port"},
		{Name: EnvPrefix + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: EnvPrefix + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: EnvPrefix + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: EnvPrefix + "LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "STORE", Path: "store.backend"},
		{Name: EnvPrefix + "STORE_PATH", Path: "store.sqlite.path"},
		{Name: EnvPrefix + "STORE_URL", Path: "store.sqlite.url"},
		{Name: EnvPrefix + "STORE_AUTH_TOKEN", Path: "store.sqlite.auth_token"},
		{Name: EnvPrefix + "STORE_DIR", Path: "store.dir"},
		{Name: EnvPrefix + "STORE_BUCKET", Path: "store.s3.bucket"},
		{Name: EnvPrefix + "STORE_ENDPOINT", Path: "store.s3.endpoint"},
		{Name: EnvPrefix + "BACKEND", Path: "backend.type"},
		{Name: EnvPrefix + "LOCAL_ROOT", Path: "backend.local.root"},
		{Name: EnvPrefix + "ECS_CLUSTER", Path: "backend.ecs.cluster"},
		{Name: EnvPrefix + "ECS_TASK_DEFINITION", Path: "backend.ecs.task_definition"},
		{Name: EnvPrefix + "ECS_SUBNETS", Path: "backend.ecs.subnets"},
		{Name: EnvPrefix + "ECS_SECURITY_GROUPS", Path: "backend.ecs.security_groups"},
		{Name: EnvPrefix + "ECS_REGION", Path: "backend.ecs.region"},
		{Name: EnvPrefix + "ECS_ENDPOINT", Path: "backend.ecs.endpoint"},
		{Name: EnvPrefix + "BINARIES_FILE", Path: "binaries.file"},
		{Name: EnvPrefix + "BINARY_VERSION", Path: "binaries.defaults.version"},
		{Name: EnvPrefix + "BINARY_REPOSITORY", Path: "binaries.defaults.repository_path"},
		{Name: EnvPrefix + "VALIDATOR_ENABLED", Path: "validator.enabled"},
		{Name: EnvPrefix + "VALIDATOR_REGION", Path: "validator.region"},
		{Name: EnvPrefix + "MQTT_BROKER", Path: "checkpoints.mqtt.broker_url"},
		{Name: EnvPrefix + "POLL_INTERVAL", Path: "driver.poll_interval"},
		{Name: EnvPrefix + "LOCK_DIR", Path: "driver.lock_dir"},
		{Name: EnvPrefix + "FLOW", Path: "flows.default"},
		{Name: EnvPrefix + "FLOW_DEFINITIONS", Path: "flows.definitions"},
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// resolveConfigFile picks the config file: PCFLOW_CONFIG when set, else
// pcflow.yaml at the project root, else the user config file. Empty means
// no file.
func resolveConfigFile() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigFile)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	var candidates []string
	if root, err := findProjectRoot(); err == nil && root != "" {
		candidates = append(candidates, filepath.Join(root, configFileName))
	}
	candidates = append(candidates, getUserConfigPaths()...)

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

// getUserConfigPaths returns the per-user config file locations.
func getUserConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, AppName, configFileName))
	}
	if dir := DataDir(); dir != "" {
		paths = append(paths, filepath.Join(dir, configFileName))
	}
	return paths
}

// ciBoundaryVars name the workspace root in common CI systems.
var ciBoundaryVars = []string{"PCFLOW_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding pcflow.yaml, go.mod or .git. Under CI the walk stops
// at the workspace boundary when one is set, absolute, and contains the
// working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	boundary := ""
	if isCI() {
		boundary = ciBoundary(cwd)
	}

	dir := cwd
	for {
		for _, marker := range []string{configFileName, "go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		if boundary != "" && dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

func ciBoundary(cwd string) string {
	for _, name := range ciBoundaryVars {
		b := strings.TrimSpace(os.Getenv(name))
		if b == "" || !filepath.IsAbs(b) {
			continue
		}
		info, err := os.Stat(b)
		if err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(b, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.Clean(b)
	}
	return ""
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// IsValidation reports whether err is a configuration validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
