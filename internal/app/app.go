// Package app wires the moderation engine together: batcher, layers,
// pipeline, scheduler, and rule service, built from a single Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	omnix "github.com/tg-prplx/OmniX-Moderation-bot"
	"github.com/tg-prplx/OmniX-Moderation-bot/internal/config"
)

// Deps are the externally supplied collaborators: the classification API,
// the durable store, and the decision sink that actuates enforcement.
type Deps struct {
	API    omnix.ModerationAPI
	Store  omnix.Store
	Sink   omnix.DecisionSink
	Logger *slog.Logger
}

// App owns the engine's component graph and its lifecycle.
type App struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger

	registry  *omnix.RuleRegistry
	service   *omnix.RuleService
	batcher   *omnix.Batcher
	scheduler *omnix.Scheduler
}

// New builds the component graph. The store must be initialized by the
// caller before Start.
func New(cfg config.Config, deps Deps) (*App, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := omnix.NewRuleRegistry(omnix.WithRegistryLogger(logger))
	service := omnix.NewRuleService(registry, deps.Store, deps.API,
		omnix.WithServiceLogger(logger))

	batcher, err := omnix.NewBatcher(
		cfg.Batch.MaxBatchSize,
		time.Duration(cfg.Batch.MaxDelaySeconds*float64(time.Second)),
		omnix.WithBatcherLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	layers := []omnix.Layer{
		omnix.NewRegexLayer(registry, cfg.Layers.RegexWorkers,
			omnix.WithRegexLogger(logger)),
		omnix.NewCategoryLayer(registry, deps.API, cfg.Layers.CategoryConcurrency,
			omnix.WithCategoryLogger(logger)),
		omnix.NewContextualLayer(registry, deps.API, cfg.Layers.ContextualConcurrency,
			omnix.WithContextualLogger(logger),
			omnix.WithContextualModel(cfg.API.ContextualModel)),
	}
	pipeline := omnix.NewPipeline(layers, omnix.WithPipelineLogger(logger))
	aggregator := omnix.NewPunishmentAggregator(omnix.WithAggregatorLogger(logger))

	scheduler, err := omnix.NewScheduler(batcher, pipeline, aggregator,
		deps.Store, deps.Sink, cfg.Scheduler.ConcurrentBatches,
		omnix.WithSchedulerLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	return &App{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		registry:  registry,
		service:   service,
		batcher:   batcher,
		scheduler: scheduler,
	}, nil
}

// Start loads the rules from the store and launches the scheduler.
func (a *App) Start(ctx context.Context) error {
	if err := a.service.Bootstrap(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.logger.Info("moderation engine started")
	return nil
}

// Stop drains the batcher and waits for in-flight batches.
func (a *App) Stop() {
	a.batcher.Stop()
	a.scheduler.Stop()
	a.logger.Info("moderation engine stopped")
}

// Ingest submits one message for moderation.
func (a *App) Ingest(envelope *omnix.MessageEnvelope) error {
	return a.batcher.Submit(envelope)
}

// AddRule creates a rule; see omnix.RuleService.AddRule.
func (a *App) AddRule(ctx context.Context, in omnix.AddRuleInput) (omnix.ModerationRule, error) {
	return a.service.AddRule(ctx, in)
}

// RemoveRule deletes a rule by id.
func (a *App) RemoveRule(ctx context.Context, ruleID string) error {
	return a.service.RemoveRule(ctx, ruleID)
}

// ListRules returns the rules visible to chatID (nil for globals only).
func (a *App) ListRules(ctx context.Context, chatID *int64) ([]omnix.ModerationRule, error) {
	return a.service.ListRules(ctx, chatID)
}

// PauseLayer disables a layer for the given duration.
func (a *App) PauseLayer(layer omnix.LayerKind, duration time.Duration) {
	a.scheduler.PauseLayer(layer, duration)
}

// ResumeLayer re-enables a paused layer.
func (a *App) ResumeLayer(layer omnix.LayerKind) {
	a.scheduler.ResumeLayer(layer)
}
