package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackrecon/trackrecon/pkg/config"
	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/status"
	"github.com/trackrecon/trackrecon/pkg/stores"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, jsonOutput = "", false, false

	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig writes a config file pointing the store into a temp dir.
func writeConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "history.db")
	cfgPath = filepath.Join(dir, "trackrecon.yaml")
	body := "store:\n  path: " + dbPath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath, dbPath
}

func TestExplainJSON(t *testing.T) {
	out, err := execute(t, "explain", "--json", "--rules", "", "--source", "GUIA_GENERADA", "Tu envío", "fue entregado")
	require.NoError(t, err)

	var res struct {
		Status    status.Status `json:"status"`
		Via       status.Via    `json:"via"`
		Matched   string        `json:"matched"`
		Alert     *bool         `json:"alert"`
		AlertRule string        `json:"alert_rule"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, status.Delivered, res.Status)
	assert.Equal(t, status.ViaHeuristic, res.Via)
	assert.Equal(t, "entregado", res.Matched)
	require.NotNil(t, res.Alert)
	assert.True(t, *res.Alert)
	assert.Equal(t, "label_delivered", res.AlertRule)
}

func TestExplainWithRuleFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"EN_AGENCIA": ["listo para recoger en oficina"]}`), 0o644))

	out, err := execute(t, "explain", "--json", "--rules", file, "Listo para recoger en oficina principal")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "EN_AGENCIA"`)
	assert.Contains(t, out, `"via": "mapping"`)
}

func TestExplainUnknownSource(t *testing.T) {
	_, err := execute(t, "explain", "--rules", "", "--source", "PERDIDO", "en camino")
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
}

func TestRulesValidate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
		"ENTREGADO": ["entregado al cliente"],
		"EN_AGENCIA": ["entregado", "agencia"]
	}`), 0o644))

	out, err := execute(t, "rules", "validate", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Overlapping phrases")
	assert.Contains(t, out, "entregado al cliente")

	_, err = execute(t, "rules", "validate", "--strict", file)
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeRulesInvalid, engine.GetErrorCode(err))
}

func TestRulesValidateRejectsUnknownStatus(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"PERDIDO": ["se perdió"]}`), 0o644))

	_, err := execute(t, "rules", "validate", file)
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
}

func TestRulesStatuses(t *testing.T) {
	out, err := execute(t, "rules", "statuses")
	require.NoError(t, err)
	for _, st := range status.All() {
		assert.Contains(t, out, string(st))
	}
}

func seedStore(t *testing.T, dbPath string) *stores.Run {
	t.Helper()
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: dbPath})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	seen := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordStatusSeen(ctx, "Tu envío fue entregado", status.Delivered, status.ViaHeuristic, seen))
	require.NoError(t, store.RecordStatusSeen(ctx, "Tu envío fue entregado", status.Delivered, status.ViaHeuristic, seen.Add(time.Hour)))
	require.NoError(t, store.RecordStatusSeen(ctx, "Entrega exitosa", status.Delivered, status.ViaMapping, seen))

	run := &stores.Run{
		ID:        "8a6f1c2e-0000-4000-8000-000000000001",
		Target:    "sheet-1/Seguimiento",
		Status:    engine.RunStatusRunning,
		StartedAt: seen,
	}
	require.NoError(t, store.CreateRun(ctx, run))
	done := seen.Add(5 * time.Minute)
	run.Status = engine.RunStatusSucceeded
	run.CompletedAt = &done
	run.Processed = 2
	run.Alerts = 1
	require.NoError(t, store.FinishRun(ctx, run))
	require.NoError(t, store.AppendAudit(ctx,
		&stores.AuditEntry{RunID: run.ID, Timestamp: seen, TrackingID: "240001", RowIndex: 2,
			SourceNorm: status.LabelCreated, WebRaw: "Tu envío fue entregado", WebNorm: status.Delivered,
			Alert: true, AlertRule: "label_delivered", Via: status.ViaHeuristic, Outcome: "found", Attempts: 1, Written: true},
		&stores.AuditEntry{RunID: run.ID, Timestamp: seen, TrackingID: "240002", RowIndex: 3,
			SourceNorm: status.InTransit, WebNorm: status.Pending, Via: status.ViaFallback, Outcome: "no_data", Attempts: 3},
	))
	return run
}

func TestCatalogExport(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seedStore(t, dbPath)
	exportPath := filepath.Join(t.TempDir(), "catalog.json")

	_, err := execute(t, "catalog", "-c", cfgPath, "--unmapped", "--export", exportPath)
	require.NoError(t, err)

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var got catalogExport
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Items, 1)
	item, ok := got.Items["Tu envío fue entregado"]
	require.True(t, ok)
	assert.Equal(t, 2, item.Count)
	assert.Equal(t, status.ViaHeuristic, item.Via)
}

func TestCatalogTable(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seedStore(t, dbPath)

	out, err := execute(t, "catalog", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Entrega exitosa")
	assert.Contains(t, out, "Tu envío fue entregado")
}

func TestRunsList(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	run := seedStore(t, dbPath)

	out, err := execute(t, "runs", "-c", cfgPath, "--json")
	require.NoError(t, err)

	var runs []stores.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, engine.RunStatusSucceeded, runs[0].Status)
}

func TestRunsShowAlertsOnly(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	run := seedStore(t, dbPath)

	out, err := execute(t, "runs", "show", "-c", cfgPath, "--json", "--alerts", run.ID)
	require.NoError(t, err)

	var got struct {
		Run     stores.Run          `json:"run"`
		Entries []stores.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Entries, 1)
	assert.Equal(t, "240001", got.Entries[0].TrackingID)
}

func TestApplyRunFlags(t *testing.T) {
	cmd := newRunCommand("test")
	require.NoError(t, cmd.ParseFlags([]string{
		"--concurrency", "5",
		"--rps", "2.5",
		"--pause", "3s",
		"--write-batch-size", "50",
		"--carrier", "coordinadora",
		"--headless=false",
		"--csv", "sheet.csv",
	}))

	cfg := config.Default()
	cfg.Orchestrator.Retries = 4
	f := runFlags{
		concurrency:    5,
		rps:            2.5,
		pause:          3 * time.Second,
		writeBatchSize: 50,
		carrier:        "coordinadora",
		headless:       false,
		csvFile:        "sheet.csv",
	}
	applyRunFlags(cmd, cfg, f)

	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrency)
	assert.Equal(t, 2.5, cfg.Orchestrator.RequestsPerSecond)
	assert.Equal(t, 3*time.Second, cfg.Orchestrator.InterBatchPause)
	assert.Equal(t, 4, cfg.Orchestrator.Retries, "unset flags keep the configured value")
	assert.Equal(t, 50, cfg.Writer.BatchSize)
	assert.Equal(t, "coordinadora", cfg.Carrier.Name)
	assert.False(t, cfg.Carrier.Browser.Headless)
	assert.Equal(t, "csv", cfg.Sheet.Backend)
	assert.Equal(t, "csv:sheet.csv", cfg.Target())
}

func TestCompareCSV(t *testing.T) {
	dir := t.TempDir()
	sheet := filepath.Join(dir, "seguimiento.csv")
	require.NoError(t, os.WriteFile(sheet, []byte(
		"ID TRACKING,STATUS DROPI,STATUS TRACKING,ALERTA\n"+
			"240001,GUIA_GENERADA,ENTREGADO,\n"+
			"240002,ENTREGADO,ENTREGADO,TRUE\n"+
			"240003,,,\n"), 0o644))

	cfgPath := filepath.Join(dir, "trackrecon.yaml")
	body := "store:\n  path: " + filepath.Join(dir, "history.db") + "\n" +
		"lock:\n  path: " + filepath.Join(dir, "trackrecon.lock") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	out, err := execute(t, "compare", "-c", cfgPath, "--json", "--csv", sheet)
	require.NoError(t, err)

	var report struct {
		Mode            string `json:"mode"`
		Processed       int    `json:"processed"`
		Alerts          int    `json:"alerts"`
		AlertsCorrected int    `json:"alerts_corrected"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "compare", report.Mode)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, 2, report.AlertsCorrected)

	data, err := os.ReadFile(sheet)
	require.NoError(t, err)
	assert.Contains(t, string(data), "240001,GUIA_GENERADA,ENTREGADO,TRUE")
	assert.Contains(t, string(data), "240002,ENTREGADO,ENTREGADO,FALSE")
	assert.Contains(t, string(data), "240003,,,\n")
}
