package omnix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Batcher accumulates envelopes and flushes a MessageBatch when either the
// pending buffer reaches maxSize or maxDelay has elapsed since the first item
// of the current accumulation. The internal batch queue is unbounded;
// producers only ever block on the mutex, never on downstream consumption.
// Backpressure belongs to the Scheduler.
type Batcher struct {
	maxSize  int
	maxDelay time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending []*MessageEnvelope
	timer   *time.Timer
	gen     uint64
	queue   []*MessageBatch
	notify  chan struct{}
	stopped bool
	done    chan struct{}
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithBatcherLogger sets the structured logger for the batcher.
func WithBatcherLogger(l *slog.Logger) BatcherOption {
	return func(b *Batcher) { b.logger = l }
}

// NewBatcher creates a Batcher. maxSize must be at least 1 and maxDelay
// positive; anything else is a configuration error.
func NewBatcher(maxSize int, maxDelay time.Duration, opts ...BatcherOption) (*Batcher, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("batcher: max batch size must be >= 1, got %d", maxSize)
	}
	if maxDelay <= 0 {
		return nil, fmt.Errorf("batcher: max delay must be positive, got %s", maxDelay)
	}
	b := &Batcher{
		maxSize:  maxSize,
		maxDelay: maxDelay,
		logger:   nopLogger,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Submit appends an envelope to the pending buffer. The first item of an
// accumulation cycle arms the single-shot flush timer; reaching maxSize
// flushes immediately with reason size. Returns ErrBatcherClosed after Stop.
func (b *Batcher) Submit(envelope *MessageEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrBatcherClosed
	}

	b.pending = append(b.pending, envelope)
	b.logger.Debug("batcher: message enqueued",
		"pending", len(b.pending),
		"chat_id", envelope.Context.ChatID,
		"user_id", envelope.Context.UserID)

	if len(b.pending) == 1 {
		b.armTimerLocked()
	}
	if len(b.pending) >= b.maxSize {
		b.flushLocked(FlushSize)
	}
	return nil
}

// armTimerLocked starts the single-shot flush timer for the current
// accumulation cycle. Caller holds b.mu.
func (b *Batcher) armTimerLocked() {
	gen := b.gen
	b.timer = time.AfterFunc(b.maxDelay, func() { b.timerFlush(gen) })
}

// timerFlush runs on timer expiry. Stop cannot abort a callback that has
// already fired and is waiting on b.mu, so each timer carries the generation
// of the cycle it was armed for; a stale generation means that cycle was
// already flushed and the next one must get its full delay.
func (b *Batcher) timerFlush(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || gen != b.gen {
		return
	}
	b.flushLocked(FlushTimer)
}

// flushLocked moves pending into a batch on the queue. Caller holds b.mu.
// Never emits an empty batch.
func (b *Batcher) flushLocked(reason FlushReason) {
	if len(b.pending) == 0 {
		return
	}
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := &MessageBatch{
		Items:       b.pending,
		CreatedAt:   time.Now().UTC(),
		FlushReason: reason,
	}
	b.pending = nil
	b.queue = append(b.queue, batch)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	b.logger.Info("batcher: flush", "reason", reason, "batch_size", len(batch.Items))
}

// Get blocks until a batch is available and returns it. After Stop has
// drained the queue, Get returns ErrBatcherClosed.
func (b *Batcher) Get(ctx context.Context) (*MessageBatch, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			batch := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			b.logger.Debug("batcher: batch dequeued",
				"size", len(batch.Items), "reason", batch.FlushReason)
			return batch, nil
		}
		if b.stopped {
			b.mu.Unlock()
			return nil, ErrBatcherClosed
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-b.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stop flushes any remaining items with reason stop, cancels the timer, and
// closes the batcher. Queued batches stay retrievable via Get until drained.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.flushLocked(FlushStop)
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.done)
	b.logger.Info("batcher: stopped")
}
