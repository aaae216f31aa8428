package omnix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler consumes batches from the Batcher, runs the Pipeline under a
// concurrency bound, and turns violations into decisions: aggregate, invoke
// the DecisionSink, record incidents. It also owns the per-layer pause
// deadlines the pipeline's disabled set derives from.
type Scheduler struct {
	batcher    *Batcher
	pipeline   *Pipeline
	aggregator *PunishmentAggregator
	store      Store
	sink       DecisionSink
	sem        chan struct{}
	logger     *slog.Logger

	mu            sync.Mutex
	disabledUntil map[LayerKind]time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the structured logger for the scheduler.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates the scheduler. concurrentBatches bounds how many
// batches are in flight at once.
func NewScheduler(
	batcher *Batcher,
	pipeline *Pipeline,
	aggregator *PunishmentAggregator,
	store Store,
	sink DecisionSink,
	concurrentBatches int,
	opts ...SchedulerOption,
) (*Scheduler, error) {
	if concurrentBatches < 1 {
		return nil, fmt.Errorf("scheduler: concurrent batches must be >= 1, got %d", concurrentBatches)
	}
	s := &Scheduler{
		batcher:       batcher,
		pipeline:      pipeline,
		aggregator:    aggregator,
		store:         store,
		sink:          sink,
		sem:           make(chan struct{}, concurrentBatches),
		logger:        nopLogger,
		disabledUntil: make(map[LayerKind]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start warms up every layer that supports it and launches the consumer
// goroutine. Calling Start twice is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return errors.New("scheduler: already started")
	}
	s.started = true

	for _, layer := range s.pipeline.Layers() {
		warmer, ok := layer.(Warmer)
		if !ok {
			continue
		}
		if err := warmer.Warmup(ctx); err != nil {
			return fmt.Errorf("warm up %s layer: %w", layer.Kind(), err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go s.consume(runCtx)
	s.logger.Info("scheduler started", "concurrent_batches", cap(s.sem))
	return nil
}

// Stop cancels the consumer loop and waits for in-flight batches. Batch
// failures during drain are logged, never propagated.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// PauseLayer disables a layer until now+duration. An existing later deadline
// is kept.
func (s *Scheduler) PauseLayer(layer LayerKind, duration time.Duration) {
	deadline := time.Now().Add(duration)
	s.mu.Lock()
	if existing, ok := s.disabledUntil[layer]; !ok || deadline.After(existing) {
		s.disabledUntil[layer] = deadline
	}
	s.mu.Unlock()
	s.logger.Info("layer paused", "layer", layer, "duration", duration)
}

// ResumeLayer clears a layer's pause deadline.
func (s *Scheduler) ResumeLayer(layer LayerKind) {
	s.mu.Lock()
	delete(s.disabledUntil, layer)
	s.mu.Unlock()
	s.logger.Info("layer resumed", "layer", layer)
}

// disabledLayers snapshots the currently paused layers and garbage-collects
// expired deadlines.
func (s *Scheduler) disabledLayers(now time.Time) map[LayerKind]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var disabled map[LayerKind]bool
	for layer, deadline := range s.disabledUntil {
		if now.After(deadline) {
			delete(s.disabledUntil, layer)
			s.logger.Info("layer auto-resumed", "layer", layer)
			continue
		}
		if disabled == nil {
			disabled = make(map[LayerKind]bool)
		}
		disabled[layer] = true
	}
	return disabled
}

// consume is the single consumer loop: one permit per batch, batches run in
// their own goroutines.
func (s *Scheduler) consume(ctx context.Context) {
	defer s.wg.Done()
	for {
		batch, err := s.batcher.Get(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrBatcherClosed) {
				s.logger.Error("batch fetch failed", "error", err)
			}
			return
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		s.wg.Add(1)
		go func(batch *MessageBatch) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runBatch(ctx, batch)
		}(batch)
	}
}

// runBatch processes one batch end to end. Store and sink failures are
// logged and absorbed; the batch is never replayed.
func (s *Scheduler) runBatch(ctx context.Context, batch *MessageBatch) {
	started := time.Now()
	disabled := s.disabledLayers(started)
	results := s.pipeline.ProcessBatch(ctx, batch, disabled)

	if err := s.store.RecordBatchResults(ctx, results); err != nil {
		s.logger.Error("incident recording failed",
			"batch_size", len(batch.Items), "error", err)
	}

	decided := 0
	for _, result := range results {
		if result.Verdict == nil {
			continue
		}
		decision := s.aggregator.Decide([]*ModerationVerdict{result.Verdict})
		if decision == nil {
			continue
		}
		decided++
		if err := s.sink.OnDecision(ctx, decision, result); err != nil {
			s.logger.Error("decision sink failed",
				"chat_id", result.Message.Context.ChatID,
				"message_id", result.Message.Context.MessageID,
				"action", decision.Action(),
				"error", err)
		}
	}
	s.logger.Info("batch processed",
		"batch_size", len(batch.Items),
		"flush_reason", batch.FlushReason,
		"violations", decided,
		"elapsed", time.Since(started))
}
