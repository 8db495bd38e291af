package stageflow

import (
	"strings"
	"time"
)

// DefaultStageTimeout applies to stages that do not override Timeout.
const DefaultStageTimeout = 3 * time.Hour

// Stage describes one named step of a flow and the statuses it owns.
type Stage struct {
	// Name is the unique, stable identifier of the stage.
	Name string

	Initialized Status
	Started     Status
	Completed   Status
	Failed      Status

	// Joint is true when both computation parties must execute and
	// synchronize on this stage.
	Joint bool

	// Timeout overrides the flow default when non-zero.
	Timeout time.Duration
}

// Statuses returns the four statuses of the stage in lifecycle order.
func (s Stage) Statuses() [4]Status {
	return [4]Status{s.Initialized, s.Started, s.Completed, s.Failed}
}

// Phase returns the phase a status represents for this stage.
func (s Stage) Phase(status Status) (Phase, bool) {
	switch status {
	case s.Initialized:
		return PhaseInitialized, true
	case s.Started:
		return PhaseStarted, true
	case s.Completed:
		return PhaseCompleted, true
	case s.Failed:
		return PhaseFailed, true
	}
	return "", false
}

// StatusFor returns the stage status for a phase.
func (s Stage) StatusFor(p Phase) Status {
	switch p {
	case PhaseInitialized:
		return s.Initialized
	case PhaseStarted:
		return s.Started
	case PhaseCompleted:
		return s.Completed
	case PhaseFailed:
		return s.Failed
	}
	return ""
}

// Flow is a validated, immutable stage catalogue.
//
// The declared sequence of stages is the execution order.
type Flow struct {
	name           string
	stages         []Stage
	index          map[string]int
	byStatus       map[Status]int
	defaultTimeout time.Duration
}

// Option configures flow construction.
type Option func(*flowOptions)

type flowOptions struct {
	defaultTimeout time.Duration
}

// WithDefaultTimeout sets the timeout for stages without an override.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *flowOptions) {
		o.defaultTimeout = d
	}
}

// New validates a stage declaration and returns the flow.
//
// order lists the stage names in the intended execution order and must match
// the declared sequence exactly. This guards against silently reordering the
// pipeline when stages are added.
func New(name string, order []string, stages []Stage, opts ...Option) (*Flow, error) {
	options := flowOptions{defaultTimeout: DefaultStageTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, configErrorf("", "flow name is required")
	}
	if len(stages) == 0 {
		return nil, configErrorf(name, "at least one stage is required")
	}
	if options.defaultTimeout <= 0 {
		return nil, configErrorf(name, "default timeout must be positive")
	}
	if len(order) != len(stages) {
		return nil, configErrorf(name, "declared order has %d stages but %d are defined", len(order), len(stages))
	}

	f := &Flow{
		name:           name,
		stages:         make([]Stage, len(stages)),
		index:          make(map[string]int, len(stages)),
		byStatus:       make(map[Status]int, len(stages)*4),
		defaultTimeout: options.defaultTimeout,
	}

	for i, st := range stages {
		if strings.TrimSpace(st.Name) == "" {
			return nil, configErrorf(name, "stage %d has no name", i)
		}
		if order[i] != st.Name {
			return nil, configErrorf(name, "declared order %q does not match definition order %q",
				strings.Join(order, " "), strings.Join(stageNames(stages), " "))
		}
		if _, dup := f.index[st.Name]; dup {
			return nil, configErrorf(name, "duplicate stage %q", st.Name)
		}
		if st.Timeout < 0 {
			return nil, configErrorf(name, "stage %q has a negative timeout", st.Name)
		}

		seen := make(map[Status]struct{}, 4)
		for _, status := range st.Statuses() {
			if status == "" {
				return nil, configErrorf(name, "stage %q declares an empty status", st.Name)
			}
			if _, dup := seen[status]; dup {
				return nil, configErrorf(name, "stage %q reuses status %q across phases", st.Name, status)
			}
			seen[status] = struct{}{}
			if owner, dup := f.byStatus[status]; dup {
				return nil, configErrorf(name, "status %q is declared by both %q and %q", status, f.stages[owner].Name, st.Name)
			}
			f.byStatus[status] = i
		}

		f.index[st.Name] = i
		f.stages[i] = st
	}

	return f, nil
}

// Name returns the flow name.
func (f *Flow) Name() string {
	return f.name
}

// Stages returns the catalogue in execution order.
func (f *Flow) Stages() []Stage {
	out := make([]Stage, len(f.stages))
	copy(out, f.stages)
	return out
}

// Len returns the number of stages.
func (f *Flow) Len() int {
	return len(f.stages)
}

// First returns the stage every instance starts in.
func (f *Flow) First() Stage {
	return f.stages[0]
}

// Last returns the final stage of the flow.
func (f *Flow) Last() Stage {
	return f.stages[len(f.stages)-1]
}

// Stage looks up a stage by name.
func (f *Flow) Stage(name string) (Stage, bool) {
	i, ok := f.index[name]
	if !ok {
		return Stage{}, false
	}
	return f.stages[i], true
}

// Position returns the zero-based execution position of a stage, or -1.
func (f *Flow) Position(name string) int {
	i, ok := f.index[name]
	if !ok {
		return -1
	}
	return i
}

// Next returns the stage after the given one. The last stage has no next.
func (f *Flow) Next(stage Stage) (Stage, bool) {
	i, ok := f.index[stage.Name]
	if !ok || i+1 >= len(f.stages) {
		return Stage{}, false
	}
	return f.stages[i+1], true
}

// Previous returns the stage before the given one. The first stage has no previous.
func (f *Flow) Previous(stage Stage) (Stage, bool) {
	i, ok := f.index[stage.Name]
	if !ok || i == 0 {
		return Stage{}, false
	}
	return f.stages[i-1], true
}

// StageForStatus resolves a status back to its owning stage.
func (f *Flow) StageForStatus(status Status) (Stage, error) {
	i, ok := f.byStatus[status]
	if !ok {
		return Stage{}, &UnknownStatusError{Flow: f.name, Status: status}
	}
	return f.stages[i], nil
}

// PhaseOf resolves a status to its owning stage and phase.
func (f *Flow) PhaseOf(status Status) (Stage, Phase, error) {
	st, err := f.StageForStatus(status)
	if err != nil {
		return Stage{}, "", err
	}
	p, _ := st.Phase(status)
	return st, p, nil
}

// Contains reports whether any stage declares the status.
func (f *Flow) Contains(status Status) bool {
	_, ok := f.byStatus[status]
	return ok
}

// IsJoint reports whether both parties must run the stage together.
func (f *Flow) IsJoint(stage Stage) bool {
	if i, ok := f.index[stage.Name]; ok {
		return f.stages[i].Joint
	}
	return stage.Joint
}

// TimeoutFor returns the execution timeout for a stage.
func (f *Flow) TimeoutFor(stage Stage) time.Duration {
	if i, ok := f.index[stage.Name]; ok {
		stage = f.stages[i]
	}
	if stage.Timeout > 0 {
		return stage.Timeout
	}
	return f.defaultTimeout
}

// DefaultTimeout returns the flow-wide stage timeout.
func (f *Flow) DefaultTimeout() time.Duration {
	return f.defaultTimeout
}

// IsFinal reports whether status is the completed status of the last stage.
func (f *Flow) IsFinal(status Status) bool {
	return status == f.Last().Completed
}

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return names
}
