package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingProvider records calls per id and the peak number of concurrent calls.
type countingProvider struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	respond  func(id string, call int) (string, error)
}

func newCountingProvider(respond func(id string, call int) (string, error)) *countingProvider {
	return &countingProvider{calls: make(map[string]int), respond: respond}
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Query(ctx context.Context, id string) (string, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.mu.Lock()
	p.calls[id]++
	call := p.calls[id]
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.respond == nil {
		return "", nil
	}
	return p.respond(id, call)
}

func (p *countingProvider) callsFor(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *countingProvider) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

func testOptions() Options {
	return Options{
		MaxConcurrency: 3,
		Retries:        2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		BatchSize:      10,
		SweepPass:      false,
	}
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("TRK%03d", i)
	}
	return out
}

func TestOrchestratorConcurrencyBound(t *testing.T) {
	p := newCountingProvider(func(id string, _ int) (string, error) { return "En tránsito", nil })
	p.delay = 5 * time.Millisecond

	opts := testOptions()
	opts.MaxConcurrency = 3
	opts.BatchSize = 40
	o, err := NewOrchestrator(p, opts, zerolog.Nop())
	require.NoError(t, err)

	results, err := o.GetStatusMany(context.Background(), ids(40))
	require.NoError(t, err)

	assert.Len(t, results, 40)
	assert.LessOrEqual(t, p.peak.Load(), int32(3))
	assert.Greater(t, p.peak.Load(), int32(1), "queries should overlap")
	for _, r := range results {
		assert.Equal(t, OutcomeFound, r.Outcome)
		assert.Equal(t, "En tránsito", r.Raw)
		assert.Equal(t, 1, r.Attempts)
	}
}

func TestOrchestratorRetriesEmptyExactly(t *testing.T) {
	p := newCountingProvider(nil)

	opts := testOptions()
	opts.Retries = 2
	o, err := NewOrchestrator(p, opts, zerolog.Nop())
	require.NoError(t, err)

	results, err := o.GetStatusMany(context.Background(), []string{"A", "B"})
	require.NoError(t, err)

	for _, id := range []string{"A", "B"} {
		assert.Equal(t, 3, p.callsFor(id), "one attempt plus two retries")
		r := results[id]
		assert.Equal(t, "", r.Raw)
		assert.Equal(t, OutcomeNoData, r.Outcome)
		assert.Equal(t, 3, r.Attempts)
		assert.NoError(t, r.Err)
	}
}

func TestOrchestratorSweepPass(t *testing.T) {
	p := newCountingProvider(func(id string, call int) (string, error) {
		if id == "LATE" && call == 3 {
			return "Entregado", nil
		}
		return "", nil
	})

	opts := testOptions()
	opts.Retries = 1
	opts.SweepPass = true
	o, err := NewOrchestrator(p, opts, zerolog.Nop())
	require.NoError(t, err)

	results, err := o.GetStatusMany(context.Background(), []string{"LATE", "NEVER"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFound, results["LATE"].Outcome)
	assert.Equal(t, "Entregado", results["LATE"].Raw)
	assert.Equal(t, 3, results["LATE"].Attempts)

	assert.Equal(t, 3, p.callsFor("NEVER"), "two attempts plus one sweep attempt")
	assert.Equal(t, OutcomeNoData, results["NEVER"].Outcome)
}

func TestOrchestratorFailuresNeverAbort(t *testing.T) {
	p := newCountingProvider(func(id string, call int) (string, error) {
		switch id {
		case "FLAKY":
			if call == 1 {
				return "", errors.New("timeout waiting for selector")
			}
			return "En reparto", nil
		case "BROKEN":
			return "", errors.New("page crashed")
		case "FATAL":
			return "", NewPermanentError("not found", nil)
		case "PANIC":
			panic("selector exploded")
		}
		return "Entregado", nil
	})

	o, err := NewOrchestrator(p, testOptions(), zerolog.Nop())
	require.NoError(t, err)

	results, err := o.GetStatusMany(context.Background(), []string{"OK", "FLAKY", "BROKEN", "FATAL", "PANIC"})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, OutcomeFound, results["OK"].Outcome)

	assert.Equal(t, OutcomeFound, results["FLAKY"].Outcome)
	assert.Equal(t, 2, results["FLAKY"].Attempts)

	assert.Equal(t, OutcomeFailed, results["BROKEN"].Outcome)
	assert.Equal(t, 3, results["BROKEN"].Attempts)
	assert.Empty(t, results["BROKEN"].Raw)

	assert.Equal(t, OutcomeFailed, results["FATAL"].Outcome)
	assert.Equal(t, 1, results["FATAL"].Attempts, "non-retryable errors stop retrying")

	assert.Equal(t, OutcomeFailed, results["PANIC"].Outcome)
	assert.True(t, IsTransient(results["PANIC"].Err))
}

func TestOrchestratorSubBatches(t *testing.T) {
	p := newCountingProvider(func(id string, _ int) (string, error) { return "status " + id, nil })

	opts := testOptions()
	opts.BatchSize = 4
	o, err := NewOrchestrator(p, opts, zerolog.Nop())
	require.NoError(t, err)

	input := append(ids(10), "TRK000", "  ", "")
	var seen [][]string
	summary, err := o.Run(context.Background(), input, func(_ context.Context, b Batch) error {
		assert.Equal(t, len(seen), b.Index)
		assert.Equal(t, 3, b.Total)
		assert.Len(t, b.Results, len(b.IDs))
		for _, id := range b.IDs {
			assert.Equal(t, "status "+id, b.Results[id].Raw)
		}
		seen = append(seen, b.IDs)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, seen, 3)
	assert.Equal(t, ids(10)[:4], seen[0])
	assert.Equal(t, ids(10)[8:], seen[2])
	assert.Equal(t, 3, summary.Batches)
	assert.Equal(t, 10, summary.Queried)
	assert.Equal(t, 10, summary.Found)
	assert.Equal(t, 1, p.callsFor("TRK000"), "duplicates are queried once")
}

func TestOrchestratorCancellationAtBoundary(t *testing.T) {
	p := newCountingProvider(func(string, int) (string, error) { return "x", nil })

	opts := testOptions()
	opts.BatchSize = 2
	o, err := NewOrchestrator(p, opts, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := 0
	summary, err := o.Run(ctx, ids(6), func(_ context.Context, b Batch) error {
		handled++
		cancel()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, summary.Batches)
	assert.Equal(t, 2, p.totalCalls(), "no queries after the boundary")
}

func TestOrchestratorInFlightFinishesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newCountingProvider(func(id string, _ int) (string, error) {
		cancel()
		return "Entregado", nil
	})

	opts := testOptions()
	opts.BatchSize = 5
	o, err := NewOrchestrator(p, opts, zerolog.Nop())
	require.NoError(t, err)

	var batch Batch
	_, err = o.Run(ctx, ids(5), func(_ context.Context, b Batch) error {
		batch = b
		return nil
	})
	require.NoError(t, err, "a single sub-batch completes even if cancelled mid-flight")
	for _, id := range ids(5) {
		assert.Equal(t, OutcomeFound, batch.Results[id].Outcome)
	}
}

func TestOrchestratorHandlerError(t *testing.T) {
	p := newCountingProvider(func(string, int) (string, error) { return "x", nil })
	opts := testOptions()
	opts.BatchSize = 1
	o, err := NewOrchestrator(p, opts, zerolog.Nop())
	require.NoError(t, err)

	boom := errors.New("write failed")
	_, err = o.Run(context.Background(), ids(3), func(context.Context, Batch) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, p.totalCalls())
}

type lifecycleProvider struct {
	*countingProvider
	startErr error
	closed   atomic.Bool
}

func (p *lifecycleProvider) Start(context.Context) error { return p.startErr }
func (p *lifecycleProvider) Close() error               { p.closed.Store(true); return nil }

func TestOrchestratorProviderStartFailure(t *testing.T) {
	p := &lifecycleProvider{
		countingProvider: newCountingProvider(nil),
		startErr:         errors.New("chromium not found"),
	}
	o, err := NewOrchestrator(p, testOptions(), zerolog.Nop())
	require.NoError(t, err)

	_, err = o.GetStatusMany(context.Background(), ids(2))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 0, p.totalCalls())
}

func TestOrchestratorProviderClosed(t *testing.T) {
	p := &lifecycleProvider{countingProvider: newCountingProvider(func(string, int) (string, error) { return "x", nil })}
	o, err := NewOrchestrator(p, testOptions(), zerolog.Nop())
	require.NoError(t, err)

	_, err = o.GetStatusMany(context.Background(), ids(2))
	require.NoError(t, err)
	assert.True(t, p.closed.Load())
}

func TestOrchestratorRatePacing(t *testing.T) {
	p := newCountingProvider(func(string, int) (string, error) { return "x", nil })

	opts := testOptions()
	opts.MaxConcurrency = 5
	opts.RequestsPerSecond = 50
	o, err := NewOrchestrator(p, opts, zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	_, err = o.GetStatusMany(context.Background(), ids(5))
	require.NoError(t, err)

	// Five starts at 20ms spacing span at least four intervals.
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestOrchestratorBackoff(t *testing.T) {
	o := &Orchestrator{opts: Options{BaseDelay: time.Second, MaxDelay: 5 * time.Second}}
	assert.Equal(t, time.Second, o.backoff(0))
	assert.Equal(t, 2*time.Second, o.backoff(1))
	assert.Equal(t, 4*time.Second, o.backoff(2))
	assert.Equal(t, 5*time.Second, o.backoff(3))
}

func TestNewOrchestratorValidation(t *testing.T) {
	p := newCountingProvider(nil)

	_, err := NewOrchestrator(nil, DefaultOptions(), zerolog.Nop())
	assert.True(t, IsPermanent(err))

	bad := DefaultOptions()
	bad.MaxConcurrency = 0
	_, err = NewOrchestrator(p, bad, zerolog.Nop())
	assert.True(t, IsPermanent(err))

	bad = DefaultOptions()
	bad.BatchSize = 0
	_, err = NewOrchestrator(p, bad, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewOrchestrator(p, DefaultOptions(), zerolog.Nop())
	assert.NoError(t, err)
}

type recordingObserver struct {
	completed atomic.Int32
	retried   atomic.Int32
	inFlight  atomic.Int32
}

func (r *recordingObserver) QueryCompleted(string, Outcome, int, time.Duration) { r.completed.Add(1) }
func (r *recordingObserver) QueryRetried(string)                                { r.retried.Add(1) }
func (r *recordingObserver) InFlight(_ string, delta int)                       { r.inFlight.Add(int32(delta)) }

func TestOrchestratorObserver(t *testing.T) {
	p := newCountingProvider(func(id string, call int) (string, error) {
		if call == 1 {
			return "", nil
		}
		return "x", nil
	})
	obs := &recordingObserver{}
	o, err := NewOrchestrator(p, testOptions(), zerolog.Nop())
	require.NoError(t, err)
	o.WithObserver(obs)

	_, err = o.GetStatusMany(context.Background(), ids(4))
	require.NoError(t, err)

	assert.Equal(t, int32(4), obs.completed.Load())
	assert.Equal(t, int32(4), obs.retried.Load())
	assert.Equal(t, int32(0), obs.inFlight.Load())
}
