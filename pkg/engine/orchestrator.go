package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Orchestrator runs provider queries for many tracking ids under
// concurrency, rate, retry and batching limits.
type Orchestrator struct {
	provider QueryProvider
	opts     Options
	logger   zerolog.Logger
	observer Observer
}

// NewOrchestrator validates opts and returns an orchestrator for provider.
func NewOrchestrator(provider QueryProvider, opts Options, logger zerolog.Logger) (*Orchestrator, error) {
	if provider == nil {
		return nil, NewPermanentError("query provider is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := validator.New().Struct(opts); err != nil {
		return nil, NewPermanentError("invalid orchestrator options", err).WithCode(ErrCodeValidation)
	}

	return &Orchestrator{
		provider: provider,
		opts:     opts,
		logger: logger.With().
			Str("component", "orchestrator").
			Str("provider", provider.Name()).
			Logger(),
		observer: noopObserver{},
	}, nil
}

// WithObserver attaches an observer for metrics.
func (o *Orchestrator) WithObserver(obs Observer) *Orchestrator {
	if obs != nil {
		o.observer = obs
	}
	return o
}

// Options returns the orchestrator's configuration.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// GetStatusMany queries every id and returns the results keyed by id. Ids
// that produced no text map to an empty Result.
func (o *Orchestrator) GetStatusMany(ctx context.Context, ids []string) (map[string]Result, error) {
	out := make(map[string]Result, len(ids))
	_, err := o.Run(ctx, ids, func(_ context.Context, b Batch) error {
		for id, r := range b.Results {
			out[id] = r
		}
		return nil
	})
	return out, err
}

// Run queries ids sub-batch by sub-batch and hands each completed sub-batch
// to handle before starting the next one. Blank and duplicate ids are
// dropped.
//
// Run returns ctx.Err() when the context is cancelled; sub-batches already
// handed to handle stay handled. A provider that fails to start and a handler
// error are returned as is.
func (o *Orchestrator) Run(ctx context.Context, ids []string, handle BatchHandler) (Summary, error) {
	start := time.Now()
	var summary Summary

	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return summary, nil
	}

	if lc, ok := o.provider.(Lifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			return summary, NewPermanentError("failed to start query provider", err).
				WithCode(ErrCodeBackendUnavailable).
				WithOperation("start")
		}
		defer func() {
			if err := lc.Close(); err != nil {
				o.logger.Warn().Err(err).Msg("Failed to close query provider")
			}
		}()
	}

	limiter := o.newLimiter()
	batches := chunk(ids, o.opts.BatchSize)

	o.logger.Info().
		Int("ids", len(ids)).
		Int("batches", len(batches)).
		Int("concurrency", o.opts.MaxConcurrency).
		Float64("rps", o.opts.RequestsPerSecond).
		Int("retries", o.opts.Retries).
		Msg("Starting query run")

	for i, batchIDs := range batches {
		if i > 0 && o.opts.InterBatchPause > 0 {
			o.logger.Debug().Dur("pause", o.opts.InterBatchPause).Msg("Pausing between sub-batches")
			if err := sleep(ctx, o.opts.InterBatchPause); err != nil {
				summary.Duration = time.Since(start)
				return summary, err
			}
		}

		// Check for cancellation
		if err := ctx.Err(); err != nil {
			o.logger.Warn().Int("batch", i+1).Msg("Run cancelled at sub-batch boundary")
			summary.Duration = time.Since(start)
			return summary, err
		}

		batchStart := time.Now()
		results := o.runBatch(ctx, batchIDs, limiter)

		batch := Batch{Index: i, Total: len(batches), IDs: batchIDs, Results: results}
		var found int
		for _, id := range batchIDs {
			r := results[id]
			summary.add(r)
			if r.Outcome == OutcomeFound {
				found++
			}
		}
		summary.Batches++

		o.logger.Info().
			Int("batch", i+1).
			Int("batches", len(batches)).
			Int("ids", len(batchIDs)).
			Int("found", found).
			Dur("duration", time.Since(batchStart)).
			Msg("Sub-batch completed")

		if handle != nil {
			if err := handle(ctx, batch); err != nil {
				summary.Duration = time.Since(start)
				return summary, fmt.Errorf("sub-batch %d: %w", i+1, err)
			}
		}
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// runBatch queries one sub-batch, then sweeps ids that are still empty.
func (o *Orchestrator) runBatch(ctx context.Context, ids []string, limiter *rate.Limiter) map[string]Result {
	taskCtx := ctx
	if !o.opts.CancelInFlight {
		taskCtx = context.WithoutCancel(ctx)
	}

	var mu sync.Mutex
	results := make(map[string]Result, len(ids))

	o.pass(taskCtx, ids, o.opts.Retries, limiter, func(r Result) {
		mu.Lock()
		results[r.TrackingID] = r
		mu.Unlock()
	})

	if !o.opts.SweepPass {
		return results
	}

	var empty []string
	for _, id := range ids {
		if results[id].Empty() {
			empty = append(empty, id)
		}
	}
	if len(empty) == 0 {
		return results
	}

	o.logger.Debug().Int("ids", len(empty)).Msg("Sweeping empty results")
	o.pass(taskCtx, empty, 0, limiter, func(r Result) {
		mu.Lock()
		prev := results[r.TrackingID]
		r.Attempts += prev.Attempts
		r.Duration += prev.Duration
		results[r.TrackingID] = r
		mu.Unlock()
	})

	return results
}

// pass queries ids concurrently, bounded by MaxConcurrency.
func (o *Orchestrator) pass(ctx context.Context, ids []string, retries int, limiter *rate.Limiter, record func(Result)) {
	sem := semaphore.NewWeighted(int64(o.opts.MaxConcurrency))
	var g errgroup.Group

	for i, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			for _, rest := range ids[i:] {
				record(Result{TrackingID: rest, Outcome: OutcomeFailed, Err: err})
			}
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			record(o.query(ctx, id, retries, limiter))
			return nil
		})
	}

	_ = g.Wait()
}

// query runs one id with retry logic.
func (o *Orchestrator) query(ctx context.Context, id string, retries int, limiter *rate.Limiter) Result {
	start := time.Now()
	res := Result{TrackingID: id}

	for attempt := 0; attempt <= retries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			res.Err = err
			break
		}

		res.Attempts++
		raw, err := o.attempt(ctx, QueryTask{TrackingID: id, Attempt: res.Attempts})
		raw = strings.TrimSpace(raw)
		if err == nil && raw != "" {
			res.Raw = raw
			res.Err = nil
			break
		}
		res.Err = err

		// Check if error is retryable
		if err != nil && !IsRetryable(err) {
			break
		}

		// Don't retry on last attempt
		if attempt >= retries {
			break
		}

		backoff := o.backoff(attempt)
		o.observer.QueryRetried(o.provider.Name())
		o.logger.Debug().
			Str("tracking_id", id).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			AnErr("error", err).
			Msg("Empty result, retrying")

		if err := sleep(ctx, backoff); err != nil {
			res.Err = err
			break
		}
	}

	res.Duration = time.Since(start)
	switch {
	case res.Raw != "":
		res.Outcome = OutcomeFound
	case res.Err != nil:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomeNoData
	}

	o.observer.QueryCompleted(o.provider.Name(), res.Outcome, res.Attempts, res.Duration)
	if res.Outcome == OutcomeFailed {
		o.logger.Debug().Err(res.Err).Str("tracking_id", id).Int("attempts", res.Attempts).Msg("Query failed")
	}
	return res
}

// attempt makes a single provider call. A panicking provider counts as a
// failed attempt.
func (o *Orchestrator) attempt(ctx context.Context, task QueryTask) (raw string, err error) {
	if o.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.QueryTimeout)
		defer cancel()
	}

	o.observer.InFlight(o.provider.Name(), 1)
	defer o.observer.InFlight(o.provider.Name(), -1)

	defer func() {
		if p := recover(); p != nil {
			err = NewTransientError(fmt.Sprintf("query provider panicked on attempt %d", task.Attempt), fmt.Errorf("%v", p)).
				WithResource(task.TrackingID).
				WithCode(ErrCodeProviderFailed)
		}
	}()

	return o.provider.Query(ctx, task.TrackingID)
}

// backoff returns BaseDelay * 2^attempt capped at MaxDelay.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := time.Duration(float64(o.opts.BaseDelay) * math.Pow(2, float64(attempt)))
	if o.opts.MaxDelay > 0 && d > o.opts.MaxDelay {
		d = o.opts.MaxDelay
	}
	return d
}

func (o *Orchestrator) newLimiter() *rate.Limiter {
	if o.opts.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(o.opts.RequestsPerSecond), 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
