// Package poll drives the discovery/export cycle: list recent pipeline
// runs, export the logs of newly terminal ones, and remember what was
// shipped. One logical loop; per-run work fans out to a bounded pool.
package poll

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/adotel/adotel/internal/devops"
	"github.com/adotel/adotel/internal/normalize"
	"github.com/adotel/adotel/internal/track"
	"github.com/adotel/adotel/pkg/models"
	"go.uber.org/zap"
)

// LogIterator yields a run's log chunks until io.EOF.
type LogIterator interface {
	Next(ctx context.Context) (models.LogChunk, error)
}

// Source discovers runs and their logs.
type Source interface {
	RecentRuns(ctx context.Context) ([]models.PipelineRun, error)
	Logs(ctx context.Context, run models.PipelineRun) (LogIterator, error)
}

// Submitter delivers a run's records; a nil return means every record was
// acknowledged and the run may be marked seen.
type Submitter interface {
	Submit(ctx context.Context, runKey string, records []models.LogRecord) error
}

// Options configures a Poller.
type Options struct {
	// Interval between cycle starts. A cycle that runs long is followed
	// immediately by the next one; cycles never overlap.
	Interval time.Duration
	// Workers bounds concurrent per-run fetch/export work within a cycle.
	Workers int
	// SeenWindow bounds tracker memory: runs last seen earlier than this are
	// evicted and would be re-exported if rediscovered.
	SeenWindow time.Duration
}

// Poller owns the cycle state machine.
type Poller struct {
	source   Source
	exporter Submitter
	tracker  *track.Tracker
	logger   *zap.Logger

	interval   time.Duration
	workers    int
	seenWindow time.Duration

	// baseline is fixed by the first successful listing; terminal runs that
	// finished before it predate this process and are never exported.
	baseline time.Time
}

// NewPoller creates a poller. The tracker starts empty.
func NewPoller(source Source, exporter Submitter, tracker *track.Tracker, opts Options, logger *zap.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.SeenWindow <= 0 {
		opts.SeenWindow = 24 * time.Hour
	}
	return &Poller{
		source:     source,
		exporter:   exporter,
		tracker:    tracker,
		logger:     logger,
		interval:   opts.Interval,
		workers:    opts.Workers,
		seenWindow: opts.SeenWindow,
	}
}

// Run cycles until ctx is canceled or the credential is rejected. Rate
// limiting delays the next cycle by the server-directed wait; any other
// listing failure skips the cycle and is retried on the next one.
func (p *Poller) Run(ctx context.Context) error {
	for {
		start := time.Now()

		err := p.cycle(ctx)
		wait := p.interval - time.Since(start)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			var authErr *devops.AuthError
			if errors.As(err, &authErr) {
				p.logger.Error("credential rejected, stopping", zap.Error(err))
				return err
			}
			var rl *devops.RateLimitError
			if errors.As(err, &rl) {
				p.logger.Warn("rate limited", zap.Duration("retry_after", rl.Wait))
				// The directed wait counts from the throttling response, not
				// from cycle start, so no elapsed time is subtracted.
				wait = rl.Wait
			} else {
				p.logger.Warn("poll cycle failed", zap.Error(err))
			}
		}

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// cycle performs one discovery/export pass.
func (p *Poller) cycle(ctx context.Context) error {
	runs, err := p.source.RecentRuns(ctx)
	if err != nil {
		return err
	}

	if p.baseline.IsZero() {
		p.baseline = time.Now()
		p.logger.Info("baseline established, earlier runs excluded",
			zap.Time("baseline", p.baseline),
			zap.Int("runs_visible", len(runs)))
	}

	var candidates []models.PipelineRun
	for _, run := range runs {
		if !run.State.Terminal() {
			// Still in progress; re-checked next cycle, never marked seen.
			continue
		}
		if run.Finished().Before(p.baseline) {
			continue
		}
		if !p.tracker.IsNew(run.Key()) {
			continue
		}
		candidates = append(candidates, run)
	}

	exported := p.processAll(ctx, candidates)

	// Workers are done; the tracker is only touched between cycles' batches.
	now := time.Now()
	for _, key := range exported {
		p.tracker.MarkSeen(key, now)
	}
	evicted := p.tracker.EvictOlderThan(p.seenWindow)

	p.logger.Debug("cycle complete",
		zap.Int("runs_listed", len(runs)),
		zap.Int("candidates", len(candidates)),
		zap.Int("exported", len(exported)),
		zap.Int("evicted", evicted),
		zap.Int("tracked", p.tracker.Len()))

	return ctx.Err()
}

// processAll exports the candidates on a bounded worker pool and returns the
// keys of runs whose logs were fully delivered (or are gone for good).
func (p *Poller) processAll(ctx context.Context, candidates []models.PipelineRun) []string {
	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var exported []string

	for _, run := range candidates {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(run models.PipelineRun) {
			defer wg.Done()
			defer func() { <-sem }()

			records, err := p.processRun(ctx, run)
			if err != nil {
				var nf *devops.NotFoundError
				if errors.As(err, &nf) {
					// Logs were purged; retrying can never succeed. Mark the
					// run seen so the gap is logged exactly once.
					p.logger.Warn("run logs gone, skipping permanently",
						zap.String("run", run.Key()))
					mu.Lock()
					exported = append(exported, run.Key())
					mu.Unlock()
					return
				}
				p.logger.Warn("run export failed, retrying next cycle",
					zap.String("run", run.Key()),
					zap.Error(err))
				return
			}

			p.logger.Info("run exported",
				zap.String("project", run.Project),
				zap.String("pipeline", run.PipelineName),
				zap.String("run_id", run.ID),
				zap.String("state", string(run.State)),
				zap.Int("records", records))

			mu.Lock()
			exported = append(exported, run.Key())
			mu.Unlock()
		}(run)
	}

	wg.Wait()
	return exported
}

// processRun fetches, normalizes, and submits one run's logs, returning the
// number of records delivered.
func (p *Poller) processRun(ctx context.Context, run models.PipelineRun) (int, error) {
	it, err := p.source.Logs(ctx, run)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		chunk, err := it.Next(ctx)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}

		records := normalize.Records(run, chunk)
		if len(records) == 0 {
			continue
		}
		if err := p.exporter.Submit(ctx, run.Key(), records); err != nil {
			return total, err
		}
		total += len(records)
	}
}
