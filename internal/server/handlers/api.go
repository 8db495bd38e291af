package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/pcflow/internal/errors"
	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/instancestore"
	"github.com/3leaps/pcflow/pkg/output"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

// MaxListLimit caps the instance list page size.
const MaxListLimit = 1000

// InstanceReader is the read side of the instance store.
type InstanceReader interface {
	Get(ctx context.Context, id string) (*instance.Instance, error)
	List(ctx context.Context, opts instancestore.ListOptions) ([]*instance.Instance, error)
}

// API serves the read-only flow and instance endpoints.
type API struct {
	flows *stageflow.Catalogue
	store InstanceReader
}

// NewAPI creates the API handlers.
func NewAPI(flows *stageflow.Catalogue, store InstanceReader) *API {
	return &API{flows: flows, store: store}
}

// FlowList is the body of GET /v1/flows.
type FlowList struct {
	Flows []*output.FlowRecord `json:"flows"`
}

// InstanceList is the body of GET /v1/instances.
type InstanceList struct {
	Instances []*output.InstanceRecord `json:"instances"`
}

// InstanceDetail is the body of GET /v1/instances/{id}.
type InstanceDetail struct {
	Summary  *output.InstanceRecord `json:"summary"`
	Instance *instance.Instance     `json:"instance"`
}

// ListFlows handles GET /v1/flows.
func (a *API) ListFlows(w http.ResponseWriter, r *http.Request) {
	body := FlowList{Flows: []*output.FlowRecord{}}
	for _, name := range a.flows.Names() {
		f, err := a.flows.Get(name)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load flow"))
			return
		}
		body.Flows = append(body.Flows, output.NewFlowRecord(f))
	}
	writeJSON(w, http.StatusOK, body)
}

// GetFlow handles GET /v1/flows/{name}.
func (a *API) GetFlow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	f, err := a.flows.Get(name)
	if err != nil {
		respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("stage flow %q not found", name)))
		return
	}
	writeJSON(w, http.StatusOK, output.NewFlowRecord(f))
}

// ListInstances handles GET /v1/instances?flow=&role=&run_id=&limit=.
func (a *API) ListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := instancestore.ListOptions{
		Flow:  q.Get("flow"),
		RunID: q.Get("run_id"),
	}
	if role := q.Get("role"); role != "" {
		parsed, err := instance.ParseRole(role)
		if err != nil {
			respondWithError(w, r, apperrors.NewInvalidArgument("invalid role", err))
			return
		}
		opts.Role = parsed
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 || n > MaxListLimit {
			respondWithError(w, r, apperrors.NewInvalidArgument(fmt.Sprintf("limit must be between 0 and %d", MaxListLimit), err))
			return
		}
		opts.Limit = n
	}

	insts, err := a.store.List(r.Context(), opts)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list instances"))
		return
	}
	body := InstanceList{Instances: make([]*output.InstanceRecord, 0, len(insts))}
	for _, inst := range insts {
		body.Instances = append(body.Instances, output.NewInstanceRecord(inst, a.flowOf(inst)))
	}
	writeJSON(w, http.StatusOK, body)
}

// GetInstance handles GET /v1/instances/{id}.
func (a *API) GetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := a.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, instancestore.ErrNotFound) {
			respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("instance %q not found", id)))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load instance"))
		return
	}
	writeJSON(w, http.StatusOK, InstanceDetail{
		Summary:  output.NewInstanceRecord(inst, a.flowOf(inst)),
		Instance: inst,
	})
}

func (a *API) flowOf(inst *instance.Instance) *stageflow.Flow {
	f, err := a.flows.Get(inst.Flow)
	if err != nil {
		return nil
	}
	return f
}
