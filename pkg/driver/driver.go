// Package driver advances instances through the stages of a flow.
//
// A driver is the single writer of an instance. Each Step performs at most
// one stage transition chain (inspect, record the result, and when a stage
// completed, begin the next one). Run repeats Step on a paced poll loop
// while holding an exclusive per-instance file lock.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/stageflow"
	"github.com/3leaps/pcflow/pkg/stageservice"
)

// DefaultPollInterval paces Run.
const DefaultPollInterval = 30 * time.Second

// Sentinel errors.
var (
	// ErrBackendUnavailable means the job backend failed transiently. The
	// instance was left untouched; call Step again on the next poll.
	ErrBackendUnavailable = errors.New("job backend unavailable")

	// ErrNotRetryable means Retry was called on an instance whose status is
	// not a failed status.
	ErrNotRetryable = errors.New("instance is not in a failed status")

	// ErrLocked means another driver holds the instance lock.
	ErrLocked = errors.New("instance is locked by another driver")
)

// Store is the persistence the run loop needs.
type Store interface {
	Get(ctx context.Context, id string) (*instance.Instance, error)
	Update(ctx context.Context, inst *instance.Instance) error
}

// Outcome describes what one Step, Retry or Run did.
type Outcome struct {
	InstanceID string           `json:"instance_id"`
	Stage      string           `json:"stage"`
	Joint      bool             `json:"joint,omitempty"`
	Before     stageflow.Status `json:"before"`
	After      stageflow.Status `json:"after"`

	// Changed is true when the instance status or its records changed.
	Changed bool `json:"changed"`

	// Done is true when the last stage completed.
	Done bool `json:"done,omitempty"`

	// Halted is true when the instance sits at a failed status.
	Halted bool `json:"halted,omitempty"`

	Message string `json:"message,omitempty"`
	Link    string `json:"link,omitempty"`
}

// Driver advances instances of one flow.
type Driver struct {
	flow     *stageflow.Flow
	registry *stageservice.Registry
	store    Store
	backend  backend.Backend
	logger   *zap.Logger
	now      func() time.Time
	lockDir  string
	interval time.Duration
	observe  func(Outcome)
}

// Option configures a Driver.
type Option func(*Driver)

// WithStore sets the store used by Run.
func WithStore(s Store) Option { return func(d *Driver) { d.store = s } }

// WithBackend lets the driver stop jobs of timed-out stages.
func WithBackend(b backend.Backend) Option { return func(d *Driver) { d.backend = b } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Driver) { d.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *Driver) { d.now = now } }

// WithLockDir sets the directory holding per-instance lock files.
func WithLockDir(dir string) Option { return func(d *Driver) { d.lockDir = dir } }

// WithPollInterval sets the pacing of Run.
func WithPollInterval(i time.Duration) Option { return func(d *Driver) { d.interval = i } }

// WithObserver registers a callback invoked with every changed outcome in Run.
func WithObserver(fn func(Outcome)) Option { return func(d *Driver) { d.observe = fn } }

// New creates a driver.
func New(flow *stageflow.Flow, registry *stageservice.Registry, opts ...Option) (*Driver, error) {
	if flow == nil {
		return nil, fmt.Errorf("stage flow is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("stage service registry is required")
	}
	d := &Driver{
		flow:     flow,
		registry: registry,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		lockDir:  filepath.Join(os.TempDir(), "pcflow", "locks"),
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.interval <= 0 {
		d.interval = DefaultPollInterval
	}
	return d, nil
}

// Flow returns the driver's flow.
func (d *Driver) Flow() *stageflow.Flow { return d.flow }

// Step performs one tick for an instance:
//
//   - initialized: Begin the stage, then move to its started status
//   - started: Inspect; completed advances to the next stage and begins it,
//     failed halts, still running past the stage timeout fails the stage
//   - completed: advance to the next stage (the final stage is done)
//   - failed: nothing; the instance waits for an operator retry
//
// Transient backend errors leave the instance untouched and return
// ErrBackendUnavailable. Job failures are not errors; they show up as a
// failed status in the outcome.
func (d *Driver) Step(ctx context.Context, inst *instance.Instance) (Outcome, error) {
	if inst == nil {
		return Outcome{}, fmt.Errorf("instance is required")
	}
	if inst.Flow != "" && inst.Flow != d.flow.Name() {
		return Outcome{}, fmt.Errorf("instance %s belongs to flow %q, driver runs %q", inst.ID, inst.Flow, d.flow.Name())
	}

	stage, phase, err := d.flow.PhaseOf(inst.Status)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{InstanceID: inst.ID, Stage: stage.Name, Joint: stage.Joint, Before: inst.Status}
	logger := d.logger.With(zap.String("instance_id", inst.ID), zap.String("stage", stage.Name))

	switch phase {
	case stageflow.PhaseInitialized:
		err = d.begin(ctx, inst, stage, &out)
	case stageflow.PhaseStarted:
		err = d.inspect(ctx, inst, stage, &out, logger)
	case stageflow.PhaseCompleted:
		err = d.advance(ctx, inst, stage, &out)
	case stageflow.PhaseFailed:
		out.Halted = true
	}

	out.After = inst.Status
	if out.After != out.Before {
		out.Changed = true
	}
	if out.Changed {
		logger.Info("stage transition",
			zap.String("from", string(out.Before)),
			zap.String("to", string(out.After)),
			zap.Bool("joint", out.Joint),
		)
	}
	return out, err
}

// begin starts a stage and moves it to started. A non-transient Begin
// error fails the stage so an operator can retry it.
func (d *Driver) begin(ctx context.Context, inst *instance.Instance, stage stageflow.Stage, out *Outcome) error {
	out.Stage = stage.Name
	out.Joint = stage.Joint

	svc, err := d.registry.For(stage)
	if err != nil {
		return err
	}

	records := len(inst.Records)
	if _, err := svc.Begin(ctx, inst); err != nil {
		launched := len(inst.Records) != records
		if backend.IsUnavailable(err) && !launched {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if launched && d.backend != nil {
			// Submitting again would start a second set of jobs.
			if serr := stopJobs(context.WithoutCancel(ctx), d.backend, inst.LatestRecordFor(stage.Name)); serr != nil {
				d.logger.Warn("failed to stop jobs of partially started stage",
					zap.String("instance_id", inst.ID),
					zap.String("stage", stage.Name),
					zap.Error(serr),
				)
			}
		}
		inst.UpdateStatus(stage.Failed, d.now())
		out.Halted = true
		out.Message = fmt.Sprintf("stage %s failed to start: %v", stage.Name, err)
		d.logger.Error("stage failed to start",
			zap.String("instance_id", inst.ID),
			zap.String("stage", stage.Name),
			zap.Error(err),
		)
		return nil
	}

	inst.UpdateStatus(stage.Started, d.now())
	out.Changed = true
	return nil
}

func (d *Driver) inspect(ctx context.Context, inst *instance.Instance, stage stageflow.Stage, out *Outcome, logger *zap.Logger) error {
	svc, err := d.registry.For(stage)
	if err != nil {
		return err
	}

	res, err := svc.Inspect(ctx, inst)
	if err != nil {
		if backend.IsUnavailable(err) {
			logger.Warn("job backend unavailable, will retry on next poll", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return err
	}
	out.Message = res.Message
	out.Link = res.Link

	switch res.Status {
	case stage.Completed:
		inst.UpdateStatus(stage.Completed, d.now())
		return d.advance(ctx, inst, stage, out)
	case stage.Failed:
		inst.UpdateStatus(stage.Failed, d.now())
		out.Halted = true
		return nil
	case stage.Started:
		d.enforceTimeout(ctx, inst, stage, out, logger)
		return nil
	default:
		return &stageflow.UnknownStatusError{Flow: d.flow.Name(), Status: res.Status}
	}
}

// enforceTimeout fails a stage that has been started for longer than its
// timeout, stopping its jobs when a backend is configured.
func (d *Driver) enforceTimeout(ctx context.Context, inst *instance.Instance, stage stageflow.Stage, out *Outcome, logger *zap.Logger) {
	timeout := d.flow.TimeoutFor(stage)
	elapsed := d.now().Sub(inst.StatusUpdatedAt)
	if timeout <= 0 || elapsed <= timeout {
		return
	}

	if d.backend != nil {
		if err := stopJobs(ctx, d.backend, inst.LatestRecordFor(stage.Name)); err != nil {
			logger.Warn("failed to stop jobs of timed-out stage", zap.Error(err))
		}
	}

	inst.UpdateStatus(stage.Failed, d.now())
	out.Halted = true
	out.Message = fmt.Sprintf("stage %s timed out after %s", stage.Name, timeout)
	logger.Error("stage timed out", zap.Duration("timeout", timeout), zap.Duration("elapsed", elapsed))
}

// advance moves a completed stage to the next stage and begins it.
func (d *Driver) advance(ctx context.Context, inst *instance.Instance, stage stageflow.Stage, out *Outcome) error {
	next, ok := d.flow.Next(stage)
	if !ok {
		out.Done = true
		return nil
	}
	inst.UpdateStatus(next.Initialized, d.now())
	out.Changed = true
	return d.begin(ctx, inst, next, out)
}

// Retry re-enters a failed stage: the retry counter is incremented, the
// stage returns to its initialized status and is begun again with a fresh
// stage record. Earlier records are left as they are.
func (d *Driver) Retry(ctx context.Context, inst *instance.Instance) (Outcome, error) {
	if inst == nil {
		return Outcome{}, fmt.Errorf("instance is required")
	}
	stage, phase, err := d.flow.PhaseOf(inst.Status)
	if err != nil {
		return Outcome{}, err
	}
	if phase != stageflow.PhaseFailed {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotRetryable, inst.Status)
	}

	out := Outcome{InstanceID: inst.ID, Stage: stage.Name, Joint: stage.Joint, Before: inst.Status}
	inst.RetryCounter++
	inst.UpdateStatus(stage.Initialized, d.now())
	out.Changed = true
	d.logger.Info("retrying stage",
		zap.String("instance_id", inst.ID),
		zap.String("stage", stage.Name),
		zap.Int("retry_counter", inst.RetryCounter),
	)

	err = d.begin(ctx, inst, stage, &out)
	out.After = inst.Status
	return out, err
}

// Cancel stops the unfinished jobs of the current stage's latest record.
// The next Step observes the stopped jobs as failed.
func (d *Driver) Cancel(ctx context.Context, inst *instance.Instance, b backend.Backend) error {
	if b == nil {
		return fmt.Errorf("job backend is required")
	}
	stage, err := d.flow.StageForStatus(inst.Status)
	if err != nil {
		return err
	}
	return stopJobs(ctx, b, inst.LatestRecordFor(stage.Name))
}

func stopJobs(ctx context.Context, b backend.Backend, rec *instance.StageRecord) error {
	if rec == nil {
		return nil
	}
	var errs []error
	for _, job := range rec.Jobs {
		if job.Status.Terminal() {
			continue
		}
		if err := b.Stop(ctx, job.ID); err != nil && !backend.IsJobNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
