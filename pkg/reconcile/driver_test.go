package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/sheets"
	"github.com/trackrecon/trackrecon/pkg/status"
	"github.com/trackrecon/trackrecon/pkg/stores"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	colWeb   = 3
	colAlert = 4
	target   = "sheet-1/Seguimiento"
)

var testColumns = Columns{
	TrackingID:   "ID TRACKING",
	SourceStatus: "STATUS DROPI",
	WebStatus:    "STATUS TRACKING",
	Alert:        "ALERTA",
}

func testSheet() *sheets.MemoryBackend {
	return sheets.NewMemoryBackend(
		[]string{"ID TRACKING", "STATUS DROPI", "STATUS TRACKING", "ALERTA"},
		[][]string{
			{"240001", "GUIA_GENERADA", "", ""},               // row 2
			{"240002", "EN_TRANSITO", "EN_TRANSITO", "FALSE"}, // row 3
			{"240003", "ENTREGADO", "ENTREGADO", "FALSE"},     // row 4
			{"", "PENDIENTE", "", ""},                         // row 5
			{"240005", "PENDIENTE", "", "FALSE"},              // row 6
		},
	)
}

// carrierStub answers from a fixed table and records which ids were asked.
type carrierStub struct {
	mu      sync.Mutex
	answers map[string]string
	asked   []string
	onQuery func(id string)
}

func newCarrierStub() *carrierStub {
	return &carrierStub{answers: map[string]string{
		"240001": "Tu envío fue entregado",
		"240002": "En camino",
		"240003": "Entregado",
		"240005": "",
	}}
}

func (c *carrierStub) Name() string { return "stub" }

func (c *carrierStub) Query(_ context.Context, id string) (string, error) {
	c.mu.Lock()
	c.asked = append(c.asked, id)
	hook := c.onQuery
	c.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return c.answers[id], nil
}

func (c *carrierStub) queried() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.asked...)
}

func testOrchestratorOptions() engine.Options {
	return engine.Options{
		MaxConcurrency: 2,
		Retries:        1,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		BatchSize:      2,
	}
}

func openStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestDriver(t *testing.T, backend sheets.Backend, provider engine.QueryProvider, store stores.Store) *Driver {
	t.Helper()
	d, err := NewDriver(Config{
		Backend:      backend,
		Provider:     provider,
		Store:        store,
		Columns:      testColumns,
		Orchestrator: testOrchestratorOptions(),
	}, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestDriverRun(t *testing.T) {
	backend := testSheet()
	store := openStore(t)
	d := newTestDriver(t, backend, newCarrierStub(), store)

	report, err := d.Run(context.Background(), Options{Target: target})
	require.NoError(t, err)

	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 3, report.Eligible)
	assert.Equal(t, 1, report.SkippedTerminal)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, 1, report.Unavailable)
	assert.Equal(t, map[string]int{"label_delivered": 1}, report.AlertsByRule)
	assert.Equal(t, 2, report.CellsWritten)
	assert.Equal(t, 6, report.LastRow)

	// Delivered row gets the canonical status and an alert.
	assert.Equal(t, "ENTREGADO", backend.Cell(2, colWeb))
	assert.Equal(t, "TRUE", backend.Cell(2, colAlert))
	// Unchanged row is not rewritten.
	assert.Equal(t, "EN_TRANSITO", backend.Cell(3, colWeb))
	// Empty carrier answer keeps the cell as it was.
	assert.Equal(t, "", backend.Cell(6, colWeb))
	assert.Equal(t, "FALSE", backend.Cell(6, colAlert))
	assert.Len(t, backend.Ranges(), 2)

	ctx := context.Background()
	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, run.Status)
	assert.Equal(t, target, run.Target)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 1, run.Skipped)
	assert.NotNil(t, run.CompletedAt)

	entries, err := store.ListAuditEntries(ctx, stores.AuditFilter{RunID: report.RunID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	byID := make(map[string]*stores.AuditEntry)
	for _, e := range entries {
		byID[e.TrackingID] = e
	}

	delivered := byID["240001"]
	require.NotNil(t, delivered)
	assert.Equal(t, status.Delivered, delivered.WebNorm)
	assert.Equal(t, status.ViaHeuristic, delivered.Via)
	assert.Equal(t, "entregado", delivered.Matched)
	assert.True(t, delivered.Alert)
	assert.Equal(t, "label_delivered", delivered.AlertRule)
	assert.Equal(t, "Tu envío fue entregado", delivered.NewStatus)
	assert.True(t, delivered.Written)

	unavailable := byID["240005"]
	require.NotNil(t, unavailable)
	assert.Equal(t, status.ViaFallback, unavailable.Via)
	assert.Equal(t, "", unavailable.WebRaw)
	assert.Equal(t, string(engine.OutcomeNoData), unavailable.Outcome)
	assert.Equal(t, 2, unavailable.Attempts)
	assert.False(t, unavailable.Written)

	catalog, err := store.ListCatalog(ctx, stores.CatalogFilter{UncuratedOnly: true})
	require.NoError(t, err)
	assert.Len(t, catalog, 2)

	cp, err := store.GetCheckpoint(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 6, cp.LastRow)
	assert.Equal(t, "240005", cp.LastTrackingID)
	assert.Equal(t, report.RunID, cp.RunID)
}

func TestDriverDryRun(t *testing.T) {
	backend := testSheet()
	store := openStore(t)
	d := newTestDriver(t, backend, newCarrierStub(), store)

	report, err := d.Run(context.Background(), Options{Target: target, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, 2, report.CellsWritten, "dry run reports the cells it would write")
	assert.Empty(t, backend.Requests())
	assert.Equal(t, "", backend.Cell(2, colWeb))

	entries, err := store.ListAuditEntries(context.Background(), stores.AuditFilter{RunID: report.RunID})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	_, err = store.GetCheckpoint(context.Background(), target)
	assert.ErrorIs(t, err, stores.ErrNotFound)

	run, err := store.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.True(t, run.DryRun)
}

func TestDriverWithoutStore(t *testing.T) {
	backend := testSheet()
	d := newTestDriver(t, backend, newCarrierStub(), nil)

	report, err := d.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, "ENTREGADO", backend.Cell(2, colWeb))
}

func TestDriverMissingColumn(t *testing.T) {
	backend := sheets.NewMemoryBackend(
		[]string{"ID TRACKING", "STATUS DROPI"},
		[][]string{{"240001", "GUIA_GENERADA"}},
	)
	store := openStore(t)
	stub := newCarrierStub()
	d := newTestDriver(t, backend, stub, store)

	report, err := d.Run(context.Background(), Options{Target: target})
	require.Error(t, err)
	assert.True(t, engine.IsDataShape(err))
	assert.Equal(t, engine.ErrCodeMissingColumn, engine.GetErrorCode(err))
	assert.Contains(t, err.Error(), "STATUS TRACKING")
	assert.Equal(t, engine.RunStatusFailed, report.Status)
	assert.Empty(t, stub.queried())

	run, err := store.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
}

func TestDriverWithoutAlertColumn(t *testing.T) {
	backend := sheets.NewMemoryBackend(
		[]string{"ID TRACKING", "STATUS DROPI", "STATUS TRACKING"},
		[][]string{{"240001", "GUIA_GENERADA", ""}},
	)
	d := newTestDriver(t, backend, newCarrierStub(), nil)

	report, err := d.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, 1, report.CellsWritten)
	assert.Equal(t, "ENTREGADO", backend.Cell(2, colWeb))
}

func TestDriverResume(t *testing.T) {
	backend := testSheet()
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveCheckpoint(ctx, &stores.Checkpoint{
		Target:    target,
		RunID:     "previous",
		LastRow:   3,
		UpdatedAt: time.Now().UTC(),
	}))

	stub := newCarrierStub()
	d := newTestDriver(t, backend, stub, store)

	report, err := d.Run(ctx, Options{Target: target, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"240005"}, stub.queried())
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.SkippedTerminal)
	assert.Equal(t, "", backend.Cell(2, colWeb), "rows before the checkpoint are left alone")
}

func TestDriverRowWindowAndLimit(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{name: "start row", opts: Options{StartRow: 3}, want: []string{"240002", "240005"}},
		{name: "end row", opts: Options{EndRow: 3}, want: []string{"240001", "240002"}},
		{name: "limit", opts: Options{Limit: 1}, want: []string{"240001"}},
		{name: "only empty", opts: Options{OnlyEmpty: true}, want: []string{"240001", "240005"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newCarrierStub()
			d := newTestDriver(t, testSheet(), stub, nil)

			_, err := d.Run(context.Background(), tt.opts)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, stub.queried())
		})
	}
}

func TestDriverInterrupted(t *testing.T) {
	backend := testSheet()
	store := openStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stub := newCarrierStub()
	stub.onQuery = func(id string) {
		if id == "240001" {
			cancel()
		}
	}

	d, err := NewDriver(Config{
		Backend:  backend,
		Provider: stub,
		Store:    store,
		Columns:  testColumns,
		Orchestrator: engine.Options{
			MaxConcurrency: 1,
			BatchSize:      1,
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	report, err := d.Run(ctx, Options{Target: target})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, engine.RunStatusInterrupted, report.Status)

	// The in-flight sub-batch still completes and is written.
	assert.Equal(t, []string{"240001"}, stub.queried())
	assert.Equal(t, "ENTREGADO", backend.Cell(2, colWeb))
	assert.Equal(t, 1, report.Processed)

	run, err := store.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusInterrupted, run.Status)

	cp, err := store.GetCheckpoint(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.LastRow)
}

func TestDriverPermanentWriteFailure(t *testing.T) {
	backend := testSheet()
	backend.FailWrites(engine.NewPermanentError("forbidden", errors.New("HTTP 403")).
		WithCode(engine.ErrCodeBackendUnavailable))
	d := newTestDriver(t, backend, newCarrierStub(), nil)

	report, err := d.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.Equal(t, engine.RunStatusFailed, report.Status)
}

func TestDriverTransientWriteFailureRecovers(t *testing.T) {
	backend := testSheet()
	backend.FailWrites(errors.New("connection reset"))

	stub := newCarrierStub()
	stub.onQuery = func(id string) {
		// The second sub-batch starts after the first flush failed.
		if id == "240005" {
			backend.FailWrites(nil)
		}
	}
	d := newTestDriver(t, backend, stub, nil)

	report, err := d.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, "ENTREGADO", backend.Cell(2, colWeb))
	assert.Equal(t, "TRUE", backend.Cell(2, colAlert))
}

func TestDriverTransientWriteFailureReported(t *testing.T) {
	backend := testSheet()
	backend.FailWrites(errors.New("connection reset"))
	d := newTestDriver(t, backend, newCarrierStub(), nil)

	report, err := d.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeWriteFailed, engine.GetErrorCode(err))
	assert.Equal(t, engine.RunStatusFailed, report.Status)
	assert.Equal(t, 3, report.Processed)
}

// pendingRules hands out one rule set on the first call.
type pendingRules struct {
	mu   sync.Mutex
	next *status.RuleSet
}

func (p *pendingRules) TakePending() *status.RuleSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs := p.next
	p.next = nil
	return rs
}

func TestDriverAdoptsReloadedRules(t *testing.T) {
	backend := testSheet()
	reloads := &pendingRules{next: status.NewRuleSet([]status.Rule{
		{Phrase: "fue entregado", Status: status.Returned},
	}, "reloaded.json")}

	d, err := NewDriver(Config{
		Backend:      backend,
		Provider:     newCarrierStub(),
		Reloads:      reloads,
		Columns:      testColumns,
		Orchestrator: testOrchestratorOptions(),
	}, zerolog.Nop())
	require.NoError(t, err)

	report, err := d.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "DEVOLUCION", backend.Cell(2, colWeb))
	assert.Equal(t, map[string]int{"mismatch": 1}, report.AlertsByRule)
}

func TestNewDriverValidation(t *testing.T) {
	_, err := NewDriver(Config{Provider: newCarrierStub()}, zerolog.Nop())
	assert.True(t, engine.IsPermanent(err))

	// A driver without a provider can compare but not run.
	d, err := NewDriver(Config{Backend: testSheet(), Columns: testColumns}, zerolog.Nop())
	require.NoError(t, err)
	report, err := d.Run(context.Background(), Options{})
	assert.True(t, engine.IsPermanent(err))
	assert.Equal(t, engine.ErrCodeValidation, engine.GetErrorCode(err))
	assert.Equal(t, engine.RunStatusFailed, report.Status)
}

func TestDriverCorrectsStaleAlerts(t *testing.T) {
	backend := sheets.NewMemoryBackend(
		[]string{"ID TRACKING", "STATUS DROPI", "STATUS TRACKING", "ALERTA"},
		[][]string{
			{"240001", "GUIA_GENERADA", "", ""},          // row 2, queried
			{"240009", "ENTREGADO", "ENTREGADO", "TRUE"}, // row 3, terminal
			{"240010", "DEVOLUCION", "", ""},             // row 4, terminal
			{"240011", "PENDIENTE", "", "TRUE"},          // row 5, no carrier data
		},
	)
	store := openStore(t)
	stub := newCarrierStub()
	d := newTestDriver(t, backend, stub, store)

	report, err := d.Run(context.Background(), Options{Target: target})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"240001", "240011"}, stub.queried())

	assert.Equal(t, "TRUE", backend.Cell(2, colAlert))
	assert.Equal(t, "FALSE", backend.Cell(3, colAlert), "agreeing terminal row loses its stale alert")
	assert.Equal(t, "TRUE", backend.Cell(4, colAlert), "returned without carrier confirmation")
	assert.Equal(t, "FALSE", backend.Cell(5, colAlert), "alert follows the last known web status")
	assert.Equal(t, "", backend.Cell(5, colWeb))

	assert.Equal(t, 3, report.AlertsCorrected)
	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, 1, report.Unavailable)
	assert.Equal(t, 5, report.CellsWritten)

	entries, err := store.ListAuditEntries(context.Background(), stores.AuditFilter{RunID: report.RunID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.TrackingID == "240011" {
			assert.True(t, e.Written)
			assert.False(t, e.Alert)
			assert.Equal(t, "none", e.AlertRule)
		}
	}
}

func TestDriverCorrectsAlertsWithNothingToQuery(t *testing.T) {
	backend := sheets.NewMemoryBackend(
		[]string{"ID TRACKING", "STATUS DROPI", "STATUS TRACKING", "ALERTA"},
		[][]string{{"240009", "ENTREGADO", "ENTREGADO", "TRUE"}},
	)
	stub := newCarrierStub()
	d := newTestDriver(t, backend, stub, nil)

	report, err := d.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Empty(t, stub.queried())
	assert.Equal(t, 0, report.Eligible)
	assert.Equal(t, 1, report.AlertsCorrected)
	assert.Equal(t, "FALSE", backend.Cell(2, colAlert))
}

func TestDriverResumeAfterPrioritizedLimit(t *testing.T) {
	backend := sheets.NewMemoryBackend(
		[]string{"ID TRACKING", "STATUS DROPI", "STATUS TRACKING", "ALERTA"},
		[][]string{
			{"A2", "PENDIENTE", "", "FALSE"},   // row 2
			{"A3", "PENDIENTE", "", "FALSE"},   // row 3
			{"A4", "EN_TRANSITO", "", "FALSE"}, // row 4
		},
	)
	store := openStore(t)
	ctx := context.Background()
	answers := map[string]string{"A2": "En camino", "A3": "En camino", "A4": "En camino"}

	first := &carrierStub{answers: answers}
	d := newTestDriver(t, backend, first, store)
	report, err := d.Run(ctx, Options{Target: target, Prioritize: true, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"A4"}, first.queried())
	assert.Equal(t, 0, report.LastRow, "rows 2 and 3 were never queried")

	_, err = store.GetCheckpoint(ctx, target)
	assert.ErrorIs(t, err, stores.ErrNotFound)

	second := &carrierStub{answers: answers}
	d = newTestDriver(t, backend, second, store)
	report, err = d.Run(ctx, Options{Target: target, Resume: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A2", "A3", "A4"}, second.queried())

	cp, err := store.GetCheckpoint(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 4, cp.LastRow)
	assert.Equal(t, 4, report.LastRow)
}

func compareSheet() *sheets.MemoryBackend {
	return sheets.NewMemoryBackend(
		[]string{"ID TRACKING", "STATUS DROPI", "STATUS TRACKING", "ALERTA"},
		[][]string{
			{"240001", "GUIA_GENERADA", "ENTREGADO", ""},     // row 2
			{"240002", "EN_TRANSITO", "EN_TRANSITO", "TRUE"}, // row 3
			{"240003", "", "", ""},                           // row 4
			{"240004", "ENTREGADO", "ENTREGADO", "FALSE"},    // row 5
			{"240005", "PENDIENTE", "", ""},                  // row 6
		},
	)
}

func TestDriverCompare(t *testing.T) {
	backend := compareSheet()
	store := openStore(t)
	d, err := NewDriver(Config{Backend: backend, Store: store, Columns: testColumns}, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	report, err := d.Compare(ctx, Options{Target: target, Resume: true})
	require.NoError(t, err)

	assert.Equal(t, ModeCompare, report.Mode)
	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 4, report.Processed, "rows with both statuses blank are skipped")
	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, map[string]int{"label_delivered": 1}, report.AlertsByRule)
	assert.Equal(t, 3, report.AlertsCorrected)
	assert.Equal(t, 3, report.CellsWritten)

	assert.Equal(t, "TRUE", backend.Cell(2, colAlert))
	assert.Equal(t, "FALSE", backend.Cell(3, colAlert))
	assert.Equal(t, "", backend.Cell(4, colAlert))
	assert.Equal(t, "FALSE", backend.Cell(5, colAlert))
	assert.Equal(t, "FALSE", backend.Cell(6, colAlert))
	// Status cells are never touched.
	assert.Equal(t, "ENTREGADO", backend.Cell(2, colWeb))
	assert.Equal(t, "", backend.Cell(6, colWeb))

	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, run.Status)
	assert.Contains(t, run.Options, `"mode":"compare"`)

	_, err = store.GetCheckpoint(ctx, target)
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestDriverCompareWindowDryRun(t *testing.T) {
	backend := compareSheet()
	d, err := NewDriver(Config{Backend: backend, Columns: testColumns}, zerolog.Nop())
	require.NoError(t, err)

	report, err := d.Compare(context.Background(), Options{StartRow: 3, EndRow: 3, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.AlertsCorrected)
	assert.Equal(t, 1, report.CellsWritten, "dry run reports the cells it would write")
	assert.Empty(t, backend.Requests())
	assert.Equal(t, "TRUE", backend.Cell(3, colAlert))
}

func TestDriverCompareNeedsAlertColumn(t *testing.T) {
	backend := sheets.NewMemoryBackend(
		[]string{"ID TRACKING", "STATUS DROPI", "STATUS TRACKING"},
		[][]string{{"240001", "GUIA_GENERADA", "ENTREGADO"}},
	)
	d, err := NewDriver(Config{Backend: backend, Columns: testColumns}, zerolog.Nop())
	require.NoError(t, err)

	report, err := d.Compare(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, engine.IsDataShape(err))
	assert.Equal(t, engine.ErrCodeMissingColumn, engine.GetErrorCode(err))
	assert.Equal(t, engine.RunStatusFailed, report.Status)
}

func TestDriverLogsCarryRunID(t *testing.T) {
	var buf bytes.Buffer
	d, err := NewDriver(Config{
		Backend:      testSheet(),
		Provider:     newCarrierStub(),
		Columns:      testColumns,
		Orchestrator: testOrchestratorOptions(),
	}, zerolog.New(zerolog.SyncWriter(&buf)))
	require.NoError(t, err)

	report, err := d.Run(context.Background(), Options{})
	require.NoError(t, err)

	var finished map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == "Run finished" {
			finished = entry
		}
	}
	require.NotNil(t, finished)
	assert.Equal(t, "reconcile", finished["component"])
	assert.Equal(t, report.RunID, finished["run_id"])
	assert.Equal(t, ModeReconcile, finished["mode"])
}
