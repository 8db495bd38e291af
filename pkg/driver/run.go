package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/pcflow/pkg/instance"
)

// Run drives an instance until its last stage completes, a stage fails or
// ctx is cancelled. The instance is persisted after every change.
//
// Run holds an exclusive lock on <lockDir>/<id>.lock for its duration and
// returns ErrLocked when another driver already holds it.
func (d *Driver) Run(ctx context.Context, id string) (Outcome, error) {
	if d.store == nil {
		return Outcome{}, fmt.Errorf("driver has no instance store")
	}

	unlock, err := d.lock(id)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	inst, err := d.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load instance %s: %w", id, err)
	}

	logger := d.logger.With(zap.String("instance_id", id))
	logger.Info("driver started", zap.String("flow", d.flow.Name()), zap.String("status", string(inst.Status)))

	limiter := rate.NewLimiter(rate.Every(d.interval), 1)
	last := Outcome{InstanceID: id, Before: inst.Status, After: inst.Status}
	for {
		if err := limiter.Wait(ctx); err != nil {
			return last, err
		}

		out, err := d.Step(ctx, inst)
		if out.Changed {
			if uerr := d.store.Update(ctx, inst); uerr != nil {
				return out, fmt.Errorf("persist instance %s: %w", id, uerr)
			}
			if d.observe != nil {
				d.observe(out)
			}
		}
		if err != nil {
			if errors.Is(err, ErrBackendUnavailable) {
				continue
			}
			return out, err
		}
		if out.InstanceID != "" {
			last = out
		}
		if out.Done {
			logger.Info("instance completed", zap.String("status", string(inst.Status)))
			return out, nil
		}
		if out.Halted {
			logger.Warn("instance halted at failed stage",
				zap.String("status", string(inst.Status)),
				zap.String("message", out.Message),
				zap.String("link", out.Link),
			)
			return out, nil
		}
	}
}

func (d *Driver) lock(id string) (func(), error) {
	if err := instance.ValidateID(id); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lockPath := filepath.Join(d.lockDir, id+".lock")
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, id)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			d.logger.Warn("failed to release instance lock", zap.String("lock", lockPath), zap.Error(err))
		}
	}, nil
}

// StepStored loads an instance, performs one Step under the instance lock
// and persists the result when it changed.
func (d *Driver) StepStored(ctx context.Context, id string) (Outcome, error) {
	return d.withStored(ctx, id, d.Step)
}

// RetryStored is Retry for a stored instance, under the instance lock.
func (d *Driver) RetryStored(ctx context.Context, id string) (Outcome, error) {
	return d.withStored(ctx, id, d.Retry)
}

func (d *Driver) withStored(ctx context.Context, id string, fn func(context.Context, *instance.Instance) (Outcome, error)) (Outcome, error) {
	if d.store == nil {
		return Outcome{}, fmt.Errorf("driver has no instance store")
	}
	unlock, err := d.lock(id)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	inst, err := d.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load instance %s: %w", id, err)
	}
	out, err := fn(ctx, inst)
	if out.Changed {
		if uerr := d.store.Update(ctx, inst); uerr != nil {
			return out, fmt.Errorf("persist instance %s: %w", id, uerr)
		}
	}
	return out, err
}
