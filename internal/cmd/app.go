package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/pcflow/internal/config"
	"github.com/3leaps/pcflow/internal/observability"
	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/backend/ecs"
	"github.com/3leaps/pcflow/pkg/backend/local"
	"github.com/3leaps/pcflow/pkg/binary"
	"github.com/3leaps/pcflow/pkg/checkpoint"
	"github.com/3leaps/pcflow/pkg/driver"
	"github.com/3leaps/pcflow/pkg/instancestore"
	"github.com/3leaps/pcflow/pkg/stageflow"
	"github.com/3leaps/pcflow/pkg/stageservice"
)

// app bundles the collaborators built from configuration. Parts are
// opened lazily so read-only commands never touch the job backend.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	flows   *stageflow.Catalogue
	store   instancestore.Store
	backend backend.Backend
	sinks   checkpoint.Sink
	closers []func()
}

func newApp(cfg *config.Config) (*app, error) {
	flows, err := stageflow.NewCatalogue()
	if err != nil {
		return nil, err
	}
	if err := flows.LoadDefinitions(cfg.Flows.Definitions...); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: observability.CLILogger, flows: flows}, nil
}

// Close releases everything the runtime opened, newest first.
func (r *app) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *app) flow(name string) (*stageflow.Flow, error) {
	if strings.TrimSpace(name) == "" {
		name = r.cfg.Flows.Default
	}
	return r.flows.Get(name)
}

func (r *app) openStore(ctx context.Context) (instancestore.Store, error) {
	if r.store != nil {
		return r.store, nil
	}
	s, err := instancestore.Open(ctx, r.cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	r.store = s
	r.closers = append(r.closers, func() {
		if err := s.Close(); err != nil {
			r.logger.Warn("Failed to close instance store", zap.Error(err))
		}
	})
	return s, nil
}

func (r *app) openBackend(ctx context.Context) (backend.Backend, error) {
	if r.backend != nil {
		return r.backend, nil
	}
	switch strings.ToLower(r.cfg.Backend.Type) {
	case "ecs":
		b, err := ecs.New(ctx, r.cfg.Backend.ECS.ECS())
		if err != nil {
			return nil, err
		}
		r.backend = b
	case "local":
		lc := r.cfg.LocalBackend()
		lc.Logger = r.logger
		b, err := local.New(lc)
		if err != nil {
			return nil, err
		}
		r.backend = b
	default:
		return nil, fmt.Errorf("unknown job backend %q", r.cfg.Backend.Type)
	}
	return r.backend, nil
}

func (r *app) binaries() (*binary.Catalogue, error) {
	if path := strings.TrimSpace(r.cfg.Binaries.File); path != "" {
		return binary.Load(path)
	}
	return binary.NewCatalogue(r.cfg.Binaries.Defaults, nil), nil
}

// checkpoints builds the sink fan-out. An unreachable MQTT broker is
// logged and skipped; checkpoints never block orchestration.
func (r *app) checkpoints() checkpoint.Sink {
	if r.sinks != nil {
		return r.sinks
	}
	var sinks checkpoint.Multi
	if r.cfg.Checkpoints.Log {
		sinks = append(sinks, checkpoint.NewLogSink(r.logger))
	}
	if strings.TrimSpace(r.cfg.Checkpoints.MQTT.BrokerURL) != "" {
		m, err := checkpoint.DialMQTT(r.cfg.Checkpoints.MQTT.MQTT())
		if err != nil {
			r.logger.Warn("MQTT checkpoint sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, m)
			r.closers = append(r.closers, m.Close)
		}
	}
	if len(sinks) == 0 {
		r.sinks = checkpoint.Nop{}
	} else {
		r.sinks = sinks
	}
	return r.sinks
}

// newDriver wires the backend, stage services and store into a driver for flow.
func (r *app) newDriver(ctx context.Context, flow *stageflow.Flow, opts ...driver.Option) (*driver.Driver, error) {
	store, err := r.openStore(ctx)
	if err != nil {
		return nil, err
	}
	b, err := r.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	bins, err := r.binaries()
	if err != nil {
		return nil, err
	}

	registry := stageservice.NewDefaultRegistry(flow, stageservice.Deps{
		Backend:     b,
		Binaries:    bins,
		Validator:   r.cfg.Validator,
		Checkpoints: r.checkpoints(),
		Logger:      r.logger,
	})

	all := append([]driver.Option{
		driver.WithStore(store),
		driver.WithBackend(b),
		driver.WithLogger(r.logger),
		driver.WithLockDir(r.cfg.LockDir()),
		driver.WithPollInterval(r.cfg.Driver.PollInterval),
	}, opts...)
	return driver.New(flow, registry, all...)
}

// knownFlow returns the named flow, or nil when this binary does not know it.
func (r *app) knownFlow(name string) *stageflow.Flow {
	f, err := r.flows.Get(name)
	if err != nil {
		return nil
	}
	return f
}
