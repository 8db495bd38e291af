// Package config loads pcflow configuration.
//
// Values are layered with increasing precedence: built-in defaults, the
// pcflow.yaml config file, PCFLOW_* environment variables, then runtime
// overrides passed to Load (CLI flags).
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"

	"github.com/3leaps/pcflow/pkg/backend/ecs"
	"github.com/3leaps/pcflow/pkg/backend/local"
	"github.com/3leaps/pcflow/pkg/binary"
	"github.com/3leaps/pcflow/pkg/checkpoint"
	"github.com/3leaps/pcflow/pkg/instancestore"
	"github.com/3leaps/pcflow/pkg/stageservice"
)

// AppName names the binary, the config file and the app data directory.
const AppName = "pcflow"

// Config is the full pcflow configuration.
type Config struct {
	Server      ServerConfig                 `mapstructure:"server"`
	Logging     LoggingConfig                `mapstructure:"logging"`
	Store       instancestore.Config         `mapstructure:"store"`
	Backend     BackendConfig                `mapstructure:"backend"`
	Binaries    BinariesConfig               `mapstructure:"binaries"`
	Validator   stageservice.ValidatorConfig `mapstructure:"validator"`
	Checkpoints CheckpointConfig             `mapstructure:"checkpoints"`
	Driver      DriverConfig                 `mapstructure:"driver"`
	Flows       FlowsConfig                  `mapstructure:"flows"`
}

// ServerConfig configures the HTTP status API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile"`
}

// BackendConfig selects the job backend.
type BackendConfig struct {
	// Type is ecs or local.
	Type  string      `mapstructure:"type"`
	ECS   ECSConfig   `mapstructure:"ecs"`
	Local LocalConfig `mapstructure:"local"`
}

// ECSConfig mirrors ecs.Config with configuration keys.
type ECSConfig struct {
	Cluster        string        `mapstructure:"cluster"`
	TaskDefinition string        `mapstructure:"task_definition"`
	ContainerName  string        `mapstructure:"container_name"`
	Subnets        []string      `mapstructure:"subnets"`
	SecurityGroups []string      `mapstructure:"security_groups"`
	AssignPublicIP bool          `mapstructure:"assign_public_ip"`
	LaunchType     string        `mapstructure:"launch_type"`
	Region         string        `mapstructure:"region"`
	Profile        string        `mapstructure:"profile"`
	Endpoint       string        `mapstructure:"endpoint"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// LocalConfig configures the local process backend.
type LocalConfig struct {
	// Root holds job records and logs. Empty means <data dir>/jobs.
	Root string `mapstructure:"root"`
}

// BinariesConfig configures the worker binary catalogue.
type BinariesConfig struct {
	// File is an optional YAML catalogue (defaults + per-binary entries).
	File string `mapstructure:"file"`

	Defaults binary.Config `mapstructure:"defaults"`
}

// CheckpointConfig configures checkpoint sinks.
type CheckpointConfig struct {
	// Log writes checkpoints to the CLI log.
	Log  bool       `mapstructure:"log"`
	MQTT MQTTConfig `mapstructure:"mqtt"`
}

// MQTTConfig enables the MQTT sink when BrokerURL is set.
type MQTTConfig struct {
	BrokerURL   string        `mapstructure:"broker_url"`
	ClientID    string        `mapstructure:"client_id"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DriverConfig configures the polling driver.
type DriverConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// LockDir holds per-instance lock files. Empty means <data dir>/locks.
	LockDir string `mapstructure:"lock_dir"`
}

// FlowsConfig configures the stage flow catalogue.
type FlowsConfig struct {
	// Default is the flow used by instance create when --flow is not given.
	Default string `mapstructure:"default"`

	// Definitions are YAML flow definition files loaded next to the built-in flows.
	Definitions []string `mapstructure:"definitions"`
}

// DataDir returns the pcflow application data directory.
func DataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// ECS converts the configuration for ecs.New.
func (c ECSConfig) ECS() ecs.Config {
	return ecs.Config{
		Cluster:        c.Cluster,
		TaskDefinition: c.TaskDefinition,
		ContainerName:  c.ContainerName,
		Subnets:        c.Subnets,
		SecurityGroups: c.SecurityGroups,
		AssignPublicIP: c.AssignPublicIP,
		LaunchType:     c.LaunchType,
		Region:         c.Region,
		Profile:        c.Profile,
		Endpoint:       c.Endpoint,
		StartupTimeout: c.StartupTimeout,
	}
}

// LocalBackend converts the configuration for local.New.
func (c *Config) LocalBackend() local.Config {
	root := c.Backend.Local.Root
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(DataDir(), "jobs")
	}
	return local.Config{Root: root, RepositoryPath: c.Binaries.Defaults.RepositoryPath}
}

// MQTT converts the configuration for checkpoint.DialMQTT.
func (c MQTTConfig) MQTT() checkpoint.MQTTConfig {
	return checkpoint.MQTTConfig{
		BrokerURL:   c.BrokerURL,
		ClientID:    c.ClientID,
		TopicPrefix: c.TopicPrefix,
		Timeout:     c.Timeout,
	}
}

// LockDir returns the configured or default lock directory.
func (c *Config) LockDir() string {
	if strings.TrimSpace(c.Driver.LockDir) != "" {
		return c.Driver.LockDir
	}
	return filepath.Join(DataDir(), "locks")
}

// StoreConfig returns the store configuration with data-dir defaults applied.
func (c *Config) StoreConfig() instancestore.Config {
	sc := c.Store
	if strings.TrimSpace(sc.SQL.Path) == "" && strings.TrimSpace(sc.SQL.URL) == "" {
		sc.SQL.Path = filepath.Join(DataDir(), "pcflow.db")
	}
	if strings.TrimSpace(sc.Dir) == "" {
		sc.Dir = filepath.Join(DataDir(), "state")
	}
	return sc
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Key: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)}
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case "STRUCTURED", "CONSOLE":
	default:
		return &ValidationError{Key: "logging.profile", Message: fmt.Sprintf("unknown profile %q (expected STRUCTURED or CONSOLE)", c.Logging.Profile)}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ValidationError{Key: "server.port", Message: fmt.Sprintf("port %d out of range", c.Server.Port)}
	}
	switch strings.ToLower(c.Backend.Type) {
	case "ecs", "local":
	default:
		return &ValidationError{Key: "backend.type", Message: fmt.Sprintf("unknown backend %q (expected ecs or local)", c.Backend.Type)}
	}
	switch strings.ToLower(c.Store.Backend) {
	case "", instancestore.BackendSQLite, instancestore.BackendFile:
	case instancestore.BackendS3:
		if strings.TrimSpace(c.Store.S3.Bucket) == "" {
			return &ValidationError{Key: "store.s3.bucket", Message: "bucket is required for the s3 store"}
		}
	default:
		return &ValidationError{Key: "store.backend", Message: fmt.Sprintf("unknown store %q", c.Store.Backend)}
	}
	if c.Driver.PollInterval <= 0 {
		return &ValidationError{Key: "driver.poll_interval", Message: "must be positive"}
	}
	if c.Flows.Default == "" {
		return &ValidationError{Key: "flows.default", Message: "a default flow is required"}
	}
	return nil
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Key + ": " + e.Message
}
