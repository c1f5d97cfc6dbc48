package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/config"
	"github.com/hugo-lorenzo-mato/devflow/internal/consensus"
	"github.com/hugo-lorenzo-mato/devflow/internal/cost"
	"github.com/hugo-lorenzo-mato/devflow/internal/engine"
	"github.com/hugo-lorenzo-mato/devflow/internal/events"
	"github.com/hugo-lorenzo-mato/devflow/internal/logging"
	"github.com/hugo-lorenzo-mato/devflow/internal/provider"
	"github.com/hugo-lorenzo-mato/devflow/internal/resources"
	"github.com/hugo-lorenzo-mato/devflow/internal/router"
	"github.com/hugo-lorenzo-mato/devflow/internal/state"
)

// app bundles the wired runtime shared by serve and run.
type app struct {
	store     *state.SQLiteStore
	bus       *events.Bus
	journal   *events.Journal
	registry  *provider.Registry
	allocator *resources.Allocator
	engine    *engine.Engine
}

// newApp wires the full runtime from configuration.
func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	store, err := state.New(resolvePath(cfg.Workspace, cfg.State.DBPath))
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	bus := events.NewBus(
		events.WithMaxWorkers(cfg.Events.MaxWorkers),
		events.WithSlowHandlerThreshold(time.Duration(cfg.Events.SlowHandlerThreshold)*time.Millisecond),
		events.WithLogger(logger),
	)

	journal, err := events.OpenJournal(resolvePath(cfg.Workspace, cfg.Events.JournalPath))
	if err != nil {
		store.Close()
		bus.Close()
		return nil, fmt.Errorf("opening event journal: %w", err)
	}
	journal.Attach(bus, func(err error) {
		logger.Error("journal append failed", "error", err)
	})

	registry := provider.NewRegistry()
	for _, pc := range cfg.ProviderConfigs() {
		client, err := provider.NewHTTPClient(pc, logger)
		if err != nil {
			logger.Warn("skipping provider", "provider", pc.Name, "error", err)
			continue
		}
		registry.Register(client)
	}

	rules, defaultDec := cfg.RouterRules()
	rt, err := router.New(rules, defaultDec)
	if err != nil {
		closeAll(store, bus, journal)
		return nil, err
	}

	ce, err := consensus.NewEngine(registry, cfg.ConsensusProfiles(), consensus.WithLogger(logger))
	if err != nil {
		closeAll(store, bus, journal)
		return nil, err
	}

	allocator := resources.NewAllocator()
	eng := engine.New(store, bus, registry, rt, ce, cost.NewTracker(), allocator, logger, engine.Options{
		DefaultMaxAttempts: cfg.Engine.DefaultMaxAttempts,
		StuckThreshold:     time.Duration(cfg.Engine.StuckThresholdSeconds) * time.Second,
		CallTimeout:        time.Duration(cfg.Engine.CallTimeoutSeconds) * time.Second,
		PhaseTimeout:       time.Duration(cfg.Engine.PhaseTimeoutSeconds) * time.Second,
		WorkflowTimeout:    time.Duration(cfg.Engine.WorkflowTimeoutSeconds) * time.Second,
	})

	return &app{
		store:     store,
		bus:       bus,
		journal:   journal,
		registry:  registry,
		allocator: allocator,
		engine:    eng,
	}, nil
}

func (a *app) close() {
	a.engine.Close()
	a.bus.Close()
	if err := a.journal.Close(); err != nil {
		logger.Error("closing journal", "error", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Error("closing store", "error", err)
	}
}

func closeAll(store *state.SQLiteStore, bus *events.Bus, journal *events.Journal) {
	store.Close()
	bus.Close()
	journal.Close()
}

func resolvePath(workspace, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}
