package stageflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is the file representation of a flow.
//
// Example:
//
//	name: lift_without_reshard
//	order: CREATED PC_PRE_VALIDATION ID_MATCH COMPUTE
//	default_timeout: 2h
//	stages:
//	  - name: CREATED
//	    initialized: CREATION_INITIALIZED
//	    started: CREATION_STARTED
//	    completed: CREATED
//	    failed: CREATION_FAILED
//	  - name: PC_PRE_VALIDATION
//	  - name: ID_MATCH
//	  - name: COMPUTE
//	    joint: true
//	    timeout: 12h
//
// Statuses left empty default to <NAME>_INITIALIZED, <NAME>_STARTED,
// <NAME>_COMPLETED and <NAME>_FAILED.
type Definition struct {
	Name           string            `yaml:"name"`
	Order          string            `yaml:"order"`
	DefaultTimeout string            `yaml:"default_timeout,omitempty"`
	Stages         []StageDefinition `yaml:"stages"`
}

// StageDefinition is the file representation of a stage.
type StageDefinition struct {
	Name        string `yaml:"name"`
	Initialized string `yaml:"initialized,omitempty"`
	Started     string `yaml:"started,omitempty"`
	Completed   string `yaml:"completed,omitempty"`
	Failed      string `yaml:"failed,omitempty"`
	Joint       bool   `yaml:"joint,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
}

// LoadDefinition reads a flow definition file (YAML or JSON) and builds the flow.
func LoadDefinition(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("flow definition not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read flow definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a flow definition and builds the flow.
//
// The document is checked against the embedded schema first, so unknown
// keys and malformed names are reported with their JSON pointer.
func ParseDefinition(data []byte) (*Flow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("flow definition is empty")
	}
	if err := ValidateDefinition(data); err != nil {
		return nil, err
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}
	return def.Build()
}

// Build converts the definition into a validated flow.
func (d Definition) Build() (*Flow, error) {
	var opts []Option
	if strings.TrimSpace(d.DefaultTimeout) != "" {
		dt, err := time.ParseDuration(d.DefaultTimeout)
		if err != nil {
			return nil, configErrorf(d.Name, "invalid default_timeout %q: %v", d.DefaultTimeout, err)
		}
		opts = append(opts, WithDefaultTimeout(dt))
	}

	stages := make([]Stage, 0, len(d.Stages))
	for _, sd := range d.Stages {
		st, err := sd.stage(d.Name)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}

	return New(d.Name, strings.Fields(d.Order), stages, opts...)
}

func (sd StageDefinition) stage(flow string) (Stage, error) {
	name := strings.TrimSpace(sd.Name)
	st := Stage{
		Name:        name,
		Initialized: statusOrDefault(sd.Initialized, name, PhaseInitialized),
		Started:     statusOrDefault(sd.Started, name, PhaseStarted),
		Completed:   statusOrDefault(sd.Completed, name, PhaseCompleted),
		Failed:      statusOrDefault(sd.Failed, name, PhaseFailed),
		Joint:       sd.Joint,
	}
	if strings.TrimSpace(sd.Timeout) != "" {
		d, err := time.ParseDuration(sd.Timeout)
		if err != nil {
			return Stage{}, configErrorf(flow, "stage %q has invalid timeout %q: %v", name, sd.Timeout, err)
		}
		st.Timeout = d
	}
	return st, nil
}

func statusOrDefault(value, stage string, p Phase) Status {
	if v := strings.TrimSpace(value); v != "" {
		return Status(v)
	}
	if stage == "" {
		return ""
	}
	return Status(strings.ToUpper(stage) + "_" + strings.ToUpper(string(p)))
}

// DefinitionOf renders a flow back into its file representation.
func DefinitionOf(f *Flow) Definition {
	def := Definition{
		Name:           f.Name(),
		DefaultTimeout: f.DefaultTimeout().String(),
	}
	names := make([]string, 0, f.Len())
	for _, st := range f.Stages() {
		names = append(names, st.Name)
		sd := StageDefinition{
			Name:        st.Name,
			Initialized: string(st.Initialized),
			Started:     string(st.Started),
			Completed:   string(st.Completed),
			Failed:      string(st.Failed),
			Joint:       st.Joint,
		}
		if st.Timeout > 0 {
			sd.Timeout = st.Timeout.String()
		}
		def.Stages = append(def.Stages, sd)
	}
	def.Order = strings.Join(names, " ")
	return def
}
