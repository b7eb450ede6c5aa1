package engine

import (
	"context"
	"time"
)

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrency is the maximum number of queries in flight.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" validate:"min=1,max=64"`

	// RequestsPerSecond staggers query starts at 1/RequestsPerSecond.
	// Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`

	// Retries is the number of extra attempts for an empty or failed query.
	Retries int `yaml:"retries" json:"retries" validate:"gte=0,lte=10"`

	// BaseDelay is the first retry delay; it doubles on each retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`

	// MaxDelay caps the retry delay. Zero means uncapped.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" validate:"gte=0"`

	// BatchSize is the number of ids per sub-batch.
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"min=1"`

	// InterBatchPause is the idle time between sub-batches.
	InterBatchPause time.Duration `yaml:"inter_batch_pause" json:"inter_batch_pause" validate:"gte=0"`

	// QueryTimeout bounds a single provider attempt. Zero disables it.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout" validate:"gte=0"`

	// SweepPass gives ids that are still empty after a sub-batch one more
	// concurrent attempt.
	SweepPass bool `yaml:"sweep_pass" json:"sweep_pass"`

	// CancelInFlight propagates cancellation of the run context into
	// running queries. When false, running queries finish and cancellation
	// only takes effect between sub-batches.
	CancelInFlight bool `yaml:"cancel_in_flight" json:"cancel_in_flight"`
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrency:    3,
		RequestsPerSecond: 0.8,
		Retries:           2,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BatchSize:         200,
		InterBatchPause:   20 * time.Second,
		QueryTimeout:      30 * time.Second,
		SweepPass:         true,
	}
}

// QueryTask is one provider attempt for a tracking id. Attempt is 1-based
// within a pass.
type QueryTask struct {
	TrackingID string
	Attempt    int
}

// Result is the outcome of querying one tracking id.
type Result struct {
	TrackingID string        `json:"tracking_id"`
	Raw        string        `json:"raw"`
	Outcome    Outcome       `json:"outcome"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`

	// Err is the error of the last attempt when Outcome is OutcomeFailed.
	Err error `json:"-"`
}

// Empty reports whether the query produced no status text.
func (r Result) Empty() bool {
	return r.Raw == ""
}

// Batch is one completed sub-batch handed to a BatchHandler.
type Batch struct {
	// Index is the zero-based sub-batch number.
	Index int
	// Total is the number of sub-batches in the run.
	Total int
	// IDs lists the sub-batch's tracking ids in input order.
	IDs []string
	// Results holds one entry per id in IDs.
	Results map[string]Result
}

// BatchHandler consumes a completed sub-batch. Returning an error stops the
// run.
type BatchHandler func(ctx context.Context, batch Batch) error

// Summary aggregates a run.
type Summary struct {
	Batches  int           `json:"batches"`
	Queried  int           `json:"queried"`
	Found    int           `json:"found"`
	NoData   int           `json:"no_data"`
	Failed   int           `json:"failed"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

func (s *Summary) add(r Result) {
	s.Queried++
	s.Attempts += r.Attempts
	switch r.Outcome {
	case OutcomeFound:
		s.Found++
	case OutcomeFailed:
		s.Failed++
	default:
		s.NoData++
	}
}

// Observer receives orchestration measurements. Implementations must be
// safe for concurrent use.
type Observer interface {
	QueryCompleted(provider string, outcome Outcome, attempts int, duration time.Duration)
	QueryRetried(provider string)
	InFlight(provider string, delta int)
}

type noopObserver struct{}

func (noopObserver) QueryCompleted(string, Outcome, int, time.Duration) {}
func (noopObserver) QueryRetried(string)                                {}
func (noopObserver) InFlight(string, int)                               {}
