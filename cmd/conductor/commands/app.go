package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/config"
	"github.com/freeshell/conductor/pkg/engines"
	"github.com/freeshell/conductor/pkg/engines/expert"
	"github.com/freeshell/conductor/pkg/orchestrator"
	"github.com/freeshell/conductor/pkg/policy"
	"github.com/freeshell/conductor/pkg/stores"
	"github.com/freeshell/conductor/pkg/telemetry"
)

// app is the wired runtime a command works with. Which parts exist depends
// on the command: the store only when enabled, the orchestrator and engines
// only for commands that process requests.
type app struct {
	cfg     *config.Config
	schemas *config.SchemaRegistry
	tel     *telemetry.Telemetry
	logger  zerolog.Logger

	store    *stores.SQLiteStore
	policy   *policy.Engine
	consents *policy.ConsentRegistry
	gate     *policy.Gate

	orch    *orchestrator.Orchestrator
	engines *engines.Set
}

type appOptions struct {
	// orchestrator builds the engines and the orchestrator.
	orchestrator bool
	// requireStore fails when the store is disabled.
	requireStore bool
}

func loadConfig(ctx context.Context) (*config.Config, *config.SchemaRegistry, error) {
	parser := config.NewParser()
	if len(configPaths) == 0 {
		return config.Default(), parser.Schemas(), nil
	}
	cfg, err := parser.Load(ctx, configPaths)
	if err != nil {
		return nil, nil, err
	}
	return cfg, parser.Schemas(), nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, schemas, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if opts.requireStore && !cfg.Store.Enabled {
		return nil, errors.New("this command needs the store; set store.enabled")
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, schemas: schemas, tel: tel, logger: tel.Logger.Zerolog()}
	if verbose {
		a.logger = a.logger.Level(zerolog.DebugLevel)
	}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openPolicy(ctx); err != nil {
		a.close()
		return nil, err
	}
	if opts.orchestrator {
		if err := a.openOrchestrator(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if !a.cfg.Store.Enabled {
		return nil
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	a.store = store

	// Lifecycle events are kept in the audit log alongside the snapshots.
	a.tel.Events.Subscribe(func(ev telemetry.Event) {
		if err := store.AppendEvent(context.Background(), storeEvent(ev)); err != nil {
			a.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("Failed to persist event")
		}
	}, nil)
	return nil
}

func (a *app) openPolicy(ctx context.Context) error {
	var consentStore policy.ConsentStore
	if a.store != nil {
		consentStore = a.store
	}
	a.consents = policy.NewConsentRegistry(consentStore, a.logger)
	if err := a.consents.Load(ctx); err != nil {
		return fmt.Errorf("failed to load consents: %w", err)
	}

	engine, err := policy.NewEngine(a.logger)
	if err != nil {
		return err
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}
	a.policy = engine
	a.gate = policy.NewGate(engine, a.consents, a.logger)
	return nil
}

func (a *app) openOrchestrator(ctx context.Context) error {
	chain, err := a.cfg.Chain()
	if err != nil {
		return err
	}

	opts := orchestrator.Options{
		IntentRules:     a.cfg.IntentRules(),
		DefaultIntent:   a.cfg.Intents.Default,
		Plans:           a.cfg.PlanTable(),
		FallbackChain:   chain,
		Validator:       config.NewValidator(),
		OutputValidator: a.schemas,
		Observer:        a.tel.Observer(),
		Logger:          a.logger,
		Retention:       a.cfg.RetentionDuration(),
	}
	if a.cfg.Policy.Enabled {
		opts.Gate = a.gate
	}
	if a.store != nil {
		opts.Snapshotter = a.store
	}

	orch, err := orchestrator.New(opts)
	if err != nil {
		return err
	}

	var queue expert.Queue
	if a.store != nil {
		queue = a.store
	}
	set, err := engines.Build(ctx, a.cfg, engines.Deps{Queue: queue, Logger: a.logger})
	if err != nil {
		return fmt.Errorf("failed to build engines: %w", err)
	}
	if err := set.Register(orch); err != nil {
		_ = set.Close()
		return fmt.Errorf("failed to register engines: %w", err)
	}
	for intent, steps := range orch.UnservedSteps() {
		a.logger.Warn().Str("intent", intent).Strs("steps", steps).Msg("No enabled engine of the planned type; steps rely on fallback")
	}

	a.orch = orch
	a.engines = set
	return nil
}

// close releases everything in reverse order of creation. Telemetry goes
// before the store so buffered events still reach it.
func (a *app) close() {
	if a.engines != nil {
		if err := a.engines.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close engines")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

func storeEvent(ev telemetry.Event) *stores.Event {
	out := &stores.Event{
		EventID:   ev.ID,
		Type:      ev.Type,
		Level:     stores.EventLevel(ev.Level),
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.TaskID != "" {
		out.TaskID = &ev.TaskID
	}
	if ev.StepID != "" {
		out.StepID = &ev.StepID
	}
	if len(ev.Data) > 0 {
		if details, err := marshalJSON(ev.Data); err == nil {
			s := string(details)
			out.Details = &s
		}
	}
	return out
}
