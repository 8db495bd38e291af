package stageservice

import (
	"errors"
	"fmt"

	"github.com/3leaps/pcflow/pkg/stageflow"
)

// ErrNoService is returned when no service handles a stage.
var ErrNoService = errors.New("no stage service registered")

// Registry maps stage names to services.
type Registry struct {
	services map[string]Service
	fallback func(stageflow.Stage) Service
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register sets the service for a stage, replacing any previous one.
func (r *Registry) Register(stage string, svc Service) {
	r.services[stage] = svc
}

// SetFallback sets the constructor used for stages without a registered service.
func (r *Registry) SetFallback(fn func(stageflow.Stage) Service) {
	r.fallback = fn
}

// For returns the service of a stage.
func (r *Registry) For(stage stageflow.Stage) (Service, error) {
	if svc, ok := r.services[stage.Name]; ok {
		return svc, nil
	}
	if r.fallback != nil {
		if svc := r.fallback(stage); svc != nil {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoService, stage.Name)
}

// NewDefaultRegistry wires the services of a flow: no-op creation and
// post-processing stages, pre-validation, and generic job stages for the rest.
func NewDefaultRegistry(flow *stageflow.Flow, deps Deps) *Registry {
	deps = deps.withDefaults()
	r := NewRegistry()
	for _, st := range flow.Stages() {
		switch st.Name {
		case stageflow.StageCreated, stageflow.StagePostProcessing:
			r.Register(st.Name, NoopService{Stage: st})
		case stageflow.StagePreValidation:
			r.Register(st.Name, NewPreValidation(st, deps))
		default:
			r.Register(st.Name, NewJobStage(flow, st, "", deps))
		}
	}
	return r
}
