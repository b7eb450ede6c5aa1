package sheets

import (
	"context"
	"fmt"
	"sync"

	"github.com/trackrecon/trackrecon/pkg/engine"
)

// MemoryBackend is an in-memory sheet. It records every write request and
// can simulate quota errors.
type MemoryBackend struct {
	mu      sync.Mutex
	headers []string
	rows    [][]string

	requests [][]ValueRange
	throttle int
	failWith error
	readErr  error
}

// NewMemoryBackend returns a backend holding headers and rows. Rows are
// copied.
func NewMemoryBackend(headers []string, rows [][]string) *MemoryBackend {
	b := &MemoryBackend{headers: append([]string(nil), headers...)}
	for _, r := range rows {
		b.rows = append(b.rows, append([]string(nil), r...))
	}
	return b
}

// ThrottleNext makes the next n write requests fail with a throttled error.
func (b *MemoryBackend) ThrottleNext(n int) {
	b.mu.Lock()
	b.throttle = n
	b.mu.Unlock()
}

// FailWrites makes every write request fail with err until reset with nil.
func (b *MemoryBackend) FailWrites(err error) {
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}

// FailReads makes ReadAllRows fail with err until reset with nil.
func (b *MemoryBackend) FailReads(err error) {
	b.mu.Lock()
	b.readErr = err
	b.mu.Unlock()
}

// ReadAllRows implements Backend.
func (b *MemoryBackend) ReadAllRows(_ context.Context) (Table, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readErr != nil {
		return Table{}, b.readErr
	}
	t := Table{Headers: append([]string(nil), b.headers...)}
	for _, r := range b.rows {
		t.Rows = append(t.Rows, append([]string(nil), r...))
	}
	return t, nil
}

// WriteRange implements Backend.
func (b *MemoryBackend) WriteRange(ctx context.Context, rng string, values [][]string) error {
	return b.BatchWrite(ctx, []ValueRange{{Range: rng, Values: values}})
}

// BatchWrite implements Backend.
func (b *MemoryBackend) BatchWrite(_ context.Context, ranges []ValueRange) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.throttle > 0 {
		b.throttle--
		return engine.NewThrottledError("quota exceeded", fmt.Errorf("HTTP 429"))
	}
	if b.failWith != nil {
		return b.failWith
	}

	for _, vr := range ranges {
		if err := b.apply(vr); err != nil {
			return err
		}
	}
	req := make([]ValueRange, len(ranges))
	copy(req, ranges)
	b.requests = append(b.requests, req)
	return nil
}

func (b *MemoryBackend) apply(vr ValueRange) error {
	ref, err := ParseA1(vr.Range)
	if err != nil {
		return engine.NewDataShapeError("invalid range", err).WithResource(vr.Range)
	}
	for i, rowValues := range vr.Values {
		row := ref.StartRow + i
		for j, v := range rowValues {
			b.set(row, ref.StartCol+j, v)
		}
	}
	return nil
}

// set writes a 1-based sheet cell. Row 1 is the header.
func (b *MemoryBackend) set(row, col int, value string) {
	if row == 1 {
		for len(b.headers) < col {
			b.headers = append(b.headers, "")
		}
		b.headers[col-1] = value
		return
	}
	i := row - FirstDataRow
	for len(b.rows) <= i {
		b.rows = append(b.rows, nil)
	}
	for len(b.rows[i]) < col {
		b.rows[i] = append(b.rows[i], "")
	}
	b.rows[i][col-1] = value
}

// Cell returns the value of a 1-based sheet cell.
func (b *MemoryBackend) Cell(row, col int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row == 1 {
		if col-1 < len(b.headers) {
			return b.headers[col-1]
		}
		return ""
	}
	i := row - FirstDataRow
	if i < 0 || i >= len(b.rows) || col-1 >= len(b.rows[i]) {
		return ""
	}
	return b.rows[i][col-1]
}

// Requests returns every successful write request in order.
func (b *MemoryBackend) Requests() [][]ValueRange {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]ValueRange, len(b.requests))
	copy(out, b.requests)
	return out
}

// Ranges returns every range written, flattened across requests.
func (b *MemoryBackend) Ranges() []ValueRange {
	var out []ValueRange
	for _, req := range b.Requests() {
		out = append(out, req...)
	}
	return out
}
