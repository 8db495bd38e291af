package instance

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/pcflow/pkg/stageflow"
)

// Options configures a new instance.
type Options struct {
	ID      string
	RunID   string
	Region  string
	Cluster string
	Product ProductConfig
	Now     time.Time
}

// New creates an instance in the first stage's initialized status.
func New(role Role, flow *stageflow.Flow, opts Options) (*Instance, error) {
	if flow == nil {
		return nil, fmt.Errorf("stage flow is required")
	}
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.New().String()
	} else if err := ValidateID(id); err != nil {
		return nil, err
	}
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = uuid.New().String()
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	first := flow.First().Initialized
	inst := &Instance{
		ID:              id,
		Flow:            flow.Name(),
		Role:            role,
		Status:          first,
		StatusUpdatedAt: now,
		Records:         []StageRecord{},
		StatusUpdates:   []StatusUpdate{{Status: first, At: now}},
		Infra: InfraConfig{
			RunID:   runID,
			Region:  strings.TrimSpace(opts.Region),
			Cluster: strings.TrimSpace(opts.Cluster),
		},
		Product:   opts.Product,
		CreatedAt: now,
	}
	return inst, nil
}

// ValidateID rejects ids that are empty or could not be used as a single
// file name. Stores and driver lock files are keyed by id.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("instance id is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("instance id %q must be a single path element", id)
	}
	return nil
}

// CurrentStage resolves the stage owning the instance's current status.
func (i *Instance) CurrentStage(flow *stageflow.Flow) (stageflow.Stage, error) {
	return flow.StageForStatus(i.Status)
}

// UpdateStatus moves the instance to a new status and records it in the
// status history. Setting the current status again is a no-op.
func (i *Instance) UpdateStatus(status stageflow.Status, now time.Time) bool {
	if i.Status == status {
		return false
	}
	i.Status = status
	i.StatusUpdatedAt = now
	i.StatusUpdates = append(i.StatusUpdates, StatusUpdate{Status: status, At: now})
	return true
}

// AppendRecord adds a stage record, assigning an ID if missing.
func (i *Instance) AppendRecord(rec StageRecord) *StageRecord {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Jobs == nil {
		rec.Jobs = []JobHandle{}
	}
	i.Records = append(i.Records, rec)
	return &i.Records[len(i.Records)-1]
}

// LatestRecord returns the most recently appended record, or nil.
func (i *Instance) LatestRecord() *StageRecord {
	if len(i.Records) == 0 {
		return nil
	}
	return &i.Records[len(i.Records)-1]
}

// LatestRecordFor returns the most recent record of a stage, or nil.
func (i *Instance) LatestRecordFor(stage string) *StageRecord {
	for idx := len(i.Records) - 1; idx >= 0; idx-- {
		if i.Records[idx].StageName == stage {
			return &i.Records[idx]
		}
	}
	return nil
}

// RecordsFor returns every record of a stage in append order.
func (i *Instance) RecordsFor(stage string) []StageRecord {
	var out []StageRecord
	for _, rec := range i.Records {
		if rec.StageName == stage {
			out = append(out, rec)
		}
	}
	return out
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.Records = make([]StageRecord, len(i.Records))
	for idx, rec := range i.Records {
		rec.Jobs = append([]JobHandle(nil), rec.Jobs...)
		if rec.Jobs == nil {
			rec.Jobs = []JobHandle{}
		}
		out.Records[idx] = rec
	}
	out.StatusUpdates = append([]StatusUpdate(nil), i.StatusUpdates...)
	return &out
}
