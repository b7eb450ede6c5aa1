package sheets

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/trackrecon/trackrecon/pkg/engine"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// BatchSize is the number of staged cells that triggers a flush.
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"min=1"`

	// MaxRangesPerRequest bounds the ranges sent in one BatchWrite call.
	MaxRangesPerRequest int `yaml:"max_ranges_per_request" json:"max_ranges_per_request" validate:"min=1"`

	// MaxAttempts bounds the attempts for one request under throttling.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`

	// BaseDelay is the first throttle backoff; it doubles per attempt.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`

	// MaxDelay caps the throttle backoff.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" validate:"gte=0"`

	// SheetName prefixes every range when set.
	SheetName string `yaml:"-" json:"-"`

	// DryRun coalesces and logs writes without calling the backend.
	DryRun bool `yaml:"-" json:"-"`
}

// DefaultWriterOptions returns the production defaults.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		BatchSize:           200,
		MaxRangesPerRequest: 100,
		MaxAttempts:         5,
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
	}
}

// PendingWrite is one staged cell update. Row and Column are 1-based sheet
// coordinates.
type PendingWrite struct {
	Row    int
	Column int
	Value  string
}

// WriteObserver receives write measurements.
type WriteObserver interface {
	CellsStaged(n int)
	RangesWritten(n int)
	WriteThrottled()
}

// WriterStats summarizes what a Writer has sent.
type WriterStats struct {
	Flushes   int `json:"flushes"`
	Requests  int `json:"requests"`
	Ranges    int `json:"ranges"`
	Cells     int `json:"cells"`
	Throttled int `json:"throttled"`
}

type cell struct {
	row, col int
}

type staged struct {
	value string
	seq   uint64
}

// Writer buffers cell updates and writes them as coalesced ranges. The last
// value staged for a cell wins. Writer is safe for concurrent use; flushes are
// serialized.
type Writer struct {
	backend  Backend
	opts     WriterOptions
	logger   zerolog.Logger
	observer WriteObserver

	flushMu sync.Mutex

	mu      sync.Mutex
	pending map[cell]staged
	seq     uint64
	stats   WriterStats
}

// NewWriter creates a writer for backend.
func NewWriter(backend Backend, opts WriterOptions, logger zerolog.Logger) (*Writer, error) {
	if backend == nil && !opts.DryRun {
		return nil, engine.NewPermanentError("spreadsheet backend is nil", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := validator.New().Struct(opts); err != nil {
		return nil, engine.NewPermanentError("invalid writer options", err).WithCode(engine.ErrCodeValidation)
	}
	return &Writer{
		backend: backend,
		opts:    opts,
		logger:  logger.With().Str("component", "sheet-writer").Bool("dry_run", opts.DryRun).Logger(),
		pending: make(map[cell]staged),
	}, nil
}

// WithObserver attaches an observer for metrics.
func (w *Writer) WithObserver(obs WriteObserver) *Writer {
	w.observer = obs
	return w
}

// Stage buffers a cell update and flushes when BatchSize cells are pending.
func (w *Writer) Stage(ctx context.Context, row, col int, value string) error {
	if row < 1 || col < 1 {
		return fmt.Errorf("invalid cell coordinates row=%d col=%d", row, col)
	}

	w.mu.Lock()
	w.seq++
	w.pending[cell{row, col}] = staged{value: value, seq: w.seq}
	full := len(w.pending) >= w.opts.BatchSize
	w.mu.Unlock()

	if w.observer != nil {
		w.observer.CellsStaged(1)
	}

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Pending returns the number of staged cells.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Stats returns the writer's counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Flush sends every staged cell. On failure the unsent cells are staged again
// unless a newer value was staged in the meantime, and the error is returned:
// permanent and data-shape errors keep their class, anything else becomes a
// transient WRITE_FAILED error.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	snapshot := w.pending
	w.pending = make(map[cell]staged)
	w.mu.Unlock()

	writes := make([]PendingWrite, 0, len(snapshot))
	for c, s := range snapshot {
		writes = append(writes, PendingWrite{Row: c.row, Column: c.col, Value: s.value})
	}
	ranges := Coalesce(w.opts.SheetName, writes)

	if w.opts.DryRun {
		for _, vr := range ranges {
			w.logger.Info().Str("range", vr.Range).Int("cells", len(vr.Values)).Msg("Dry run: skipping write")
		}
		w.record(func(s *WriterStats) {
			s.Flushes++
			s.Ranges += len(ranges)
			s.Cells += len(writes)
		})
		return nil
	}

	for start := 0; start < len(ranges); start += w.opts.MaxRangesPerRequest {
		end := start + w.opts.MaxRangesPerRequest
		if end > len(ranges) {
			end = len(ranges)
		}
		chunk := ranges[start:end]

		if err := w.send(ctx, chunk); err != nil {
			w.requeue(ranges[start:], snapshot)
			if engine.IsPermanent(err) || engine.IsDataShape(err) {
				return fmt.Errorf("failed to write ranges: %w", err)
			}
			return engine.NewTransientError("failed to write ranges", err).
				WithCode(engine.ErrCodeWriteFailed).
				WithOperation("batch_write").
				WithDetail("ranges", len(ranges)-start)
		}

		cells := 0
		for _, vr := range chunk {
			cells += len(vr.Values)
		}
		w.record(func(s *WriterStats) {
			s.Requests++
			s.Ranges += len(chunk)
			s.Cells += cells
		})
		if w.observer != nil {
			w.observer.RangesWritten(len(chunk))
		}
	}

	w.record(func(s *WriterStats) { s.Flushes++ })
	w.logger.Debug().Int("cells", len(writes)).Int("ranges", len(ranges)).Msg("Flushed staged writes")
	return nil
}

// send writes one chunk, backing off while the backend reports throttling.
func (w *Writer) send(ctx context.Context, chunk []ValueRange) error {
	delay := w.opts.BaseDelay
	var err error
	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		err = w.backend.BatchWrite(ctx, chunk)
		if err == nil {
			return nil
		}
		if !engine.IsThrottled(err) {
			return err
		}

		w.record(func(s *WriterStats) { s.Throttled++ })
		if w.observer != nil {
			w.observer.WriteThrottled()
		}
		if attempt == w.opts.MaxAttempts {
			break
		}

		w.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Spreadsheet quota hit, backing off")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}

		delay *= 2
		if w.opts.MaxDelay > 0 && delay > w.opts.MaxDelay {
			delay = w.opts.MaxDelay
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", w.opts.MaxAttempts, err)
}

func (w *Writer) requeue(unsent []ValueRange, snapshot map[cell]staged) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, vr := range unsent {
		ref, err := ParseA1(vr.Range)
		if err != nil {
			continue
		}
		for row := ref.StartRow; row <= ref.EndRow; row++ {
			c := cell{row, ref.StartCol}
			if _, newer := w.pending[c]; newer {
				continue
			}
			if s, ok := snapshot[c]; ok {
				w.pending[c] = s
			}
		}
	}
}

func (w *Writer) record(fn func(*WriterStats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}

// Coalesce groups writes by column, sorts each column's rows and turns every
// run of consecutive rows into one range. Ranges are ordered by column, then
// row. When the same cell appears more than once the later write wins.
func Coalesce(sheet string, writes []PendingWrite) []ValueRange {
	byCol := make(map[int]map[int]string)
	for _, w := range writes {
		if byCol[w.Column] == nil {
			byCol[w.Column] = make(map[int]string)
		}
		byCol[w.Column][w.Row] = w.Value
	}

	cols := make([]int, 0, len(byCol))
	for col := range byCol {
		cols = append(cols, col)
	}
	sort.Ints(cols)

	var out []ValueRange
	for _, col := range cols {
		cells := byCol[col]
		rows := make([]int, 0, len(cells))
		for row := range cells {
			rows = append(rows, row)
		}
		sort.Ints(rows)

		start := 0
		for i := 1; i <= len(rows); i++ {
			if i < len(rows) && rows[i] == rows[i-1]+1 {
				continue
			}
			run := rows[start:i]
			values := make([][]string, len(run))
			for j, row := range run {
				values[j] = []string{cells[row]}
			}
			out = append(out, ValueRange{
				Range:  A1Range(sheet, col, run[0], run[len(run)-1]),
				Values: values,
			})
			start = i
		}
	}
	return out
}
