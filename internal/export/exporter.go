// Package export batches normalized log records and ships them to the
// observability backend. Delivery is at-least-once: a batch that exhausts
// its retries is dropped, counted, and reported, never queued forever.
package export

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adotel/adotel/pkg/models"
	"go.uber.org/zap"
)

// Sender delivers records and reports how many were acknowledged.
type Sender interface {
	Export(ctx context.Context, records []models.LogRecord) (int, error)
}

// Options configures an Exporter.
type Options struct {
	// MaxBatchSize flushes a batch once it holds this many records.
	MaxBatchSize int
	// MaxBatchWait flushes a non-empty batch after this much idle time.
	MaxBatchWait time.Duration
	// QueueSize bounds the record queue; Submit blocks when it is full,
	// which is the backpressure signal to the poll loop.
	QueueSize int
	// ShutdownGrace bounds the final flush on cancellation.
	ShutdownGrace time.Duration
}

// Exporter owns the bounded queue between the poll loop's workers and the
// backend client.
type Exporter struct {
	sender        Sender
	logger        *zap.Logger
	maxBatch      int
	maxWait       time.Duration
	shutdownGrace time.Duration
	queue         chan envelope

	dropped   atomic.Int64
	delivered atomic.Int64
}

// envelope ties a record to its run's delivery bookkeeping.
type envelope struct {
	record  models.LogRecord
	pending *pending
}

// pending tracks the undelivered records of one Submit call.
type pending struct {
	run  string
	done chan struct{}

	mu        sync.Mutex
	remaining int
	err       error
}

func (p *pending) ack(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil && p.err == nil {
		p.err = err
	}
	p.remaining--
	if p.remaining == 0 {
		close(p.done)
	}
}

func (p *pending) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// NewExporter creates an exporter draining into sender.
func NewExporter(sender Sender, opts Options, logger *zap.Logger) *Exporter {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	if opts.MaxBatchWait <= 0 {
		opts.MaxBatchWait = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	return &Exporter{
		sender:        sender,
		logger:        logger,
		maxBatch:      opts.MaxBatchSize,
		maxWait:       opts.MaxBatchWait,
		shutdownGrace: opts.ShutdownGrace,
		queue:         make(chan envelope, opts.QueueSize),
	}
}

// Submit enqueues a run's records and blocks until every one of them is
// acknowledged by the backend or its batch was dropped. A nil return means
// the whole run was delivered and may be marked seen. Blocks while the queue
// is full.
func (e *Exporter) Submit(ctx context.Context, runKey string, records []models.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	p := &pending{run: runKey, remaining: len(records), done: make(chan struct{})}

	for i := range records {
		select {
		case e.queue <- envelope{record: records[i], pending: p}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-p.done:
		return p.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is canceled, then attempts one final flush
// within the shutdown grace period.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.maxWait)
	defer ticker.Stop()

	var batch []envelope
	for {
		select {
		case <-ctx.Done():
			e.finalFlush(batch)
			return ctx.Err()

		case env := <-e.queue:
			batch = append(batch, env)
			if len(batch) >= e.maxBatch {
				e.flush(ctx, batch)
				batch = nil
				ticker.Reset(e.maxWait)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

// Dropped returns how many records were dropped after retry exhaustion.
// This is the observable loss counter demanded by at-least-once delivery.
func (e *Exporter) Dropped() int64 { return e.dropped.Load() }

// Delivered returns how many records the backend has acknowledged.
func (e *Exporter) Delivered() int64 { return e.delivered.Load() }

func (e *Exporter) flush(ctx context.Context, batch []envelope) {
	records := make([]models.LogRecord, len(batch))
	for i, env := range batch {
		records[i] = env.record
	}

	delivered, err := e.sender.Export(ctx, records)
	if delivered > len(batch) {
		delivered = len(batch)
	}
	e.delivered.Add(int64(delivered))

	if err == nil {
		for _, env := range batch {
			env.pending.ack(nil)
		}
		return
	}

	failed := batch[delivered:]
	runs := make(map[string]struct{}, 1)
	for i, env := range batch {
		if i < delivered {
			env.pending.ack(nil)
			continue
		}
		env.pending.ack(err)
		runs[env.pending.run] = struct{}{}
	}

	e.dropped.Add(int64(len(failed)))
	e.logger.Warn("dropping records after retries exhausted",
		zap.Int("records", len(failed)),
		zap.Int("runs", len(runs)),
		zap.Error(err))
}

// finalFlush ships whatever is buffered or still queued, on a fresh context
// bounded by the shutdown grace period.
func (e *Exporter) finalFlush(batch []envelope) {
	for {
		select {
		case env := <-e.queue:
			batch = append(batch, env)
			continue
		default:
		}
		break
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownGrace)
	defer cancel()

	e.logger.Info("final flush before shutdown", zap.Int("records", len(batch)))
	for len(batch) > 0 {
		n := len(batch)
		if n > e.maxBatch {
			n = e.maxBatch
		}
		e.flush(ctx, batch[:n])
		batch = batch[n:]
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			for _, env := range batch {
				env.pending.ack(ctx.Err())
			}
			e.dropped.Add(int64(len(batch)))
			e.logger.Warn("shutdown grace exceeded, dropping queued records",
				zap.Int("records", len(batch)))
			return
		}
	}
}
