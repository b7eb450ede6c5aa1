package sheets

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/trackrecon/trackrecon/pkg/engine"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVBackend is a local sheet stored as a CSV file (first record is the
// header). Every successful write rewrites the file atomically.
type CSVBackend struct {
	path string
	mem  *MemoryBackend

	mu sync.Mutex
}

// OpenCSV loads the CSV file at path. A leading UTF-8 BOM is skipped and
// preserved on save.
func OpenCSV(path string) (*CSVBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, engine.NewPermanentError("open csv sheet", err).
			WithResource(path).
			WithCode(engine.ErrCodeBackendUnavailable)
	}
	defer f.Close()

	headers, rows, err := readCSV(f)
	if err != nil {
		return nil, engine.NewDataShapeError("parse csv sheet", err).WithResource(path)
	}
	return &CSVBackend{path: path, mem: NewMemoryBackend(headers, rows)}, nil
}

func readCSV(r io.Reader) ([]string, [][]string, error) {
	br := bufio.NewReader(r)
	if first, _ := br.Peek(len(utf8BOM)); bytes.Equal(first, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty file: missing header row")
	}
	return records[0], records[1:], nil
}

// Path returns the backing file.
func (b *CSVBackend) Path() string {
	return b.path
}

// ReadAllRows implements Backend.
func (b *CSVBackend) ReadAllRows(ctx context.Context) (Table, error) {
	return b.mem.ReadAllRows(ctx)
}

// WriteRange implements Backend.
func (b *CSVBackend) WriteRange(ctx context.Context, rng string, values [][]string) error {
	return b.BatchWrite(ctx, []ValueRange{{Range: rng, Values: values}})
}

// BatchWrite implements Backend.
func (b *CSVBackend) BatchWrite(ctx context.Context, ranges []ValueRange) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.mem.BatchWrite(ctx, ranges); err != nil {
		return err
	}
	if err := b.save(ctx); err != nil {
		return engine.NewPermanentError("save csv sheet", err).
			WithResource(b.path).
			WithCode(engine.ErrCodeWriteFailed)
	}
	return nil
}

// save writes the sheet to a temporary file next to path and renames it.
func (b *CSVBackend) save(ctx context.Context) error {
	t, err := b.mem.ReadAllRows(ctx)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), "."+filepath.Base(b.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(utf8BOM); err != nil {
		tmp.Close()
		return err
	}
	w := csv.NewWriter(tmp)
	if err := w.Write(t.Headers); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}
