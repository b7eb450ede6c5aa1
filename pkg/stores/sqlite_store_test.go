package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/status"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) *Run {
	t.Helper()
	run := &Run{
		ID:        id,
		Target:    "sheet-1/Seguimiento",
		Status:    engine.RunStatusRunning,
		StartedAt: startedAt,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check should fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute).Truncate(time.Second)
	run := createTestRun(t, store, "run-1", started)

	run.Status = engine.RunStatusSucceeded
	run.Total = 10
	run.Eligible = 6
	run.Processed = 6
	run.Alerts = 2
	run.Skipped = 4
	run.RangesWritten = 3
	if err := store.FinishRun(ctx, run); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != engine.RunStatusSucceeded || got.Processed != 6 || got.Alerts != 2 || got.RangesWritten != 3 {
		t.Errorf("GetRun() = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.FinishRun(ctx, &Run{ID: "missing", Status: engine.RunStatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	createTestRun(t, store, "old", base)
	createTestRun(t, store, "new", base.Add(time.Minute))

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" {
		t.Errorf("ListRuns() = %+v", runs)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1", time.Now())

	entries := []*AuditEntry{
		{
			RunID: "run-1", TrackingID: "240001", RowIndex: 2,
			SourceRaw: "GUIA_GENERADA", SourceNorm: status.LabelCreated,
			WebRaw: "Tu envío fue entregado", WebNorm: status.Delivered,
			Alert: true, AlertRule: "label_delivered", Via: status.ViaHeuristic,
			Matched: "entregado", NewStatus: "Tu envío fue entregado",
			Outcome: "found", Attempts: 1, Written: true,
		},
		{
			RunID: "run-1", TrackingID: "240002", RowIndex: 3,
			SourceRaw: "EN_TRANSITO", SourceNorm: status.InTransit,
			WebNorm: status.Pending, Via: status.ViaFallback,
			Outcome: "no_data", Attempts: 3,
		},
	}
	if err := store.AppendAudit(ctx, entries...); err != nil {
		t.Fatalf("AppendAudit() error = %v", err)
	}
	if entries[0].ID == 0 || entries[1].ID == 0 {
		t.Error("audit IDs not assigned")
	}

	all, err := store.ListAuditEntries(ctx, AuditFilter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d entries, want 2", len(all))
	}
	first := all[0]
	if first.TrackingID != "240001" || first.WebNorm != status.Delivered || !first.Alert || !first.Written || first.Via != status.ViaHeuristic {
		t.Errorf("first entry = %+v", first)
	}
	if all[1].AlertRule != "none" {
		t.Errorf("default alert rule = %q", all[1].AlertRule)
	}

	alerts, err := store.ListAuditEntries(ctx, AuditFilter{AlertsOnly: true})
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(alerts) != 1 || alerts[0].TrackingID != "240001" {
		t.Errorf("alerts = %+v", alerts)
	}

	byID, err := store.ListAuditEntries(ctx, AuditFilter{TrackingID: "240002", Limit: 5})
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(byID) != 1 || byID[0].Attempts != 3 {
		t.Errorf("byID = %+v", byID)
	}
}

func TestAuditRequiresRun(t *testing.T) {
	store := setupTestStore(t)
	err := store.AppendAudit(context.Background(), &AuditEntry{RunID: "ghost", TrackingID: "1", Via: status.ViaMapping})
	if err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestStatusCatalog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	record := func(raw string, st status.Status, via status.Via, at time.Time) {
		t.Helper()
		if err := store.RecordStatusSeen(ctx, raw, st, via, at); err != nil {
			t.Fatalf("RecordStatusSeen() error = %v", err)
		}
	}
	record("En centro logístico", status.InTransit, status.ViaHeuristic, now)
	record("En centro logístico", status.InTransit, status.ViaHeuristic, now.Add(time.Minute))
	record("Entregado", status.Delivered, status.ViaMapping, now)
	record("  ", status.Pending, status.ViaFallback, now)

	all, err := store.ListCatalog(ctx, CatalogFilter{})
	if err != nil {
		t.Fatalf("ListCatalog() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("catalog size = %d, want 2", len(all))
	}
	top := all[0]
	if top.Raw != "En centro logístico" || top.Count != 2 {
		t.Errorf("top entry = %+v", top)
	}
	if !top.LastSeen.Equal(now.Add(time.Minute)) || !top.FirstSeen.Equal(now) {
		t.Errorf("seen times = %v / %v", top.FirstSeen, top.LastSeen)
	}

	uncurated, err := store.ListCatalog(ctx, CatalogFilter{UncuratedOnly: true})
	if err != nil {
		t.Fatalf("ListCatalog() error = %v", err)
	}
	if len(uncurated) != 1 || uncurated[0].Via != status.ViaHeuristic {
		t.Errorf("uncurated = %+v", uncurated)
	}
}

func TestCheckpoints(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetCheckpoint(ctx, "sheet"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCheckpoint() error = %v, want ErrNotFound", err)
	}

	if err := store.SaveCheckpoint(ctx, &Checkpoint{Target: "sheet", RunID: "r1", LastRow: 40, LastTrackingID: "A"}); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if err := store.SaveCheckpoint(ctx, &Checkpoint{Target: "sheet", RunID: "r2", LastRow: 90, LastTrackingID: "B"}); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	cp, err := store.GetCheckpoint(ctx, "sheet")
	if err != nil {
		t.Fatalf("GetCheckpoint() error = %v", err)
	}
	if cp.RunID != "r2" || cp.LastRow != 90 || cp.LastTrackingID != "B" {
		t.Errorf("checkpoint = %+v", cp)
	}
}
