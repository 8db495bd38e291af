// Package binary holds the worker binary catalogue: which version of each
// worker binary stage jobs launch and where the binary repository lives.
package binary

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Worker binary names used by the built-in stages.
const (
	PCPreValidation   = "validation/pc_pre_validation_cli"
	PIDClient         = "pid/private-id-client"
	PIDServer         = "pid/private-id-server"
	PIDMRMultikey     = "pid/pid-mr-multikey"
	IDSpineCombiner   = "data_processing/id_spine_combiner"
	ShardHashedForPID = "data_processing/sharder_hashed_for_pid"
	LiftCompute       = "private_lift/lift"
	PCF2Lift          = "private_lift/pcf2_lift"
	ShardAggregator   = "private_attribution/shard-aggregator"
)

const (
	// DefaultVersion is used for binaries without a configured version.
	DefaultVersion = "latest"

	// EnvRepositoryPath tells the worker runner where to fetch binaries from.
	EnvRepositoryPath = "ONEDOCKER_REPOSITORY_PATH"

	defaultCatalogueMsg = "binary catalogue"
)

// Config is the configuration of one worker binary.
type Config struct {
	Version        string `yaml:"version" mapstructure:"version" json:"version"`
	RepositoryPath string `yaml:"repository_path,omitempty" mapstructure:"repository_path" json:"repository_path,omitempty"`
}

// Catalogue maps binary names to their configuration. Binaries without an
// explicit entry get the catalogue defaults.
type Catalogue struct {
	defaults Config
	entries  map[string]Config
}

// NewCatalogue creates a catalogue with the given defaults. An empty default
// version means DefaultVersion.
func NewCatalogue(defaults Config, entries map[string]Config) *Catalogue {
	if strings.TrimSpace(defaults.Version) == "" {
		defaults.Version = DefaultVersion
	}
	c := &Catalogue{defaults: defaults, entries: make(map[string]Config, len(entries))}
	for name, cfg := range entries {
		c.entries[strings.TrimSpace(name)] = cfg
	}
	return c
}

// Default returns a catalogue where every binary uses the defaults.
func Default() *Catalogue {
	return NewCatalogue(Config{}, nil)
}

// Get returns the configuration for a binary. Unset fields fall back to the
// catalogue defaults.
func (c *Catalogue) Get(name string) Config {
	cfg, ok := c.entries[name]
	if !ok {
		return c.defaults
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = c.defaults.Version
	}
	if strings.TrimSpace(cfg.RepositoryPath) == "" {
		cfg.RepositoryPath = c.defaults.RepositoryPath
	}
	return cfg
}

// Names returns the explicitly configured binary names, sorted.
func (c *Catalogue) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns the catalogue-wide defaults.
func (c *Catalogue) Defaults() Config {
	return c.defaults
}

type catalogueFile struct {
	Defaults Config            `yaml:"defaults"`
	Binaries map[string]Config `yaml:"binaries"`
}

// Parse reads a catalogue from YAML:
//
//	defaults:
//	  version: latest
//	  repository_path: https://onedocker-repo.s3.amazonaws.com/
//	binaries:
//	  validation/pc_pre_validation_cli:
//	    version: rc
func Parse(data []byte) (*Catalogue, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", defaultCatalogueMsg, err)
	}
	return NewCatalogue(f.Defaults, f.Binaries), nil
}

// Load reads a catalogue file.
func Load(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", defaultCatalogueMsg, err)
	}
	return Parse(data)
}

var stageBinaries = map[string]string{
	"PC_PRE_VALIDATION":     PCPreValidation,
	"ID_MATCH":              PIDClient,
	"UNION_PID_MR_MULTIKEY": PIDMRMultikey,
	"ID_SPINE_COMBINER":     IDSpineCombiner,
	"RESHARD":               ShardHashedForPID,
	"COMPUTE":               LiftCompute,
	"PCF2_LIFT":             PCF2Lift,
	"AGGREGATE":             ShardAggregator,
}

// ForStage returns the worker binary run by a built-in stage. The publisher
// side of ID matching runs the PID server, the partner side the client.
func ForStage(stage string, publisher bool) (string, bool) {
	if stage == "ID_MATCH" && publisher {
		return PIDServer, true
	}
	name, ok := stageBinaries[stage]
	return name, ok
}
