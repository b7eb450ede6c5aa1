package stores

import (
	"context"
	"errors"
	"time"

	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/status"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Run represents one reconciliation run against a target sheet.
type Run struct {
	ID          string           `json:"id"`
	Target      string           `json:"target"`
	Status      engine.RunStatus `json:"status"`
	DryRun      bool             `json:"dry_run"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`
	Options     string           `json:"options"` // JSON blob

	Total         int `json:"total"`
	Eligible      int `json:"eligible"`
	Processed     int `json:"processed"`
	Alerts        int `json:"alerts"`
	Skipped       int `json:"skipped"`
	Unavailable   int `json:"unavailable"`
	RangesWritten int `json:"ranges_written"`
}

// AuditEntry records the decision taken for one tracking number in a run.
type AuditEntry struct {
	ID         int64         `json:"id"`
	RunID      string        `json:"run_id"`
	Timestamp  time.Time     `json:"timestamp"`
	TrackingID string        `json:"tracking_id"`
	RowIndex   int           `json:"row_index"`
	SourceRaw  string        `json:"source_raw"`
	SourceNorm status.Status `json:"source_norm"`
	WebRaw     string        `json:"web_raw"`
	WebNorm    status.Status `json:"web_norm"`
	Alert      bool          `json:"alert"`
	AlertRule  string        `json:"alert_rule"`
	Via        status.Via    `json:"via"`
	Matched    string        `json:"matched,omitempty"`
	NewStatus  string        `json:"new_status,omitempty"`
	Outcome    string        `json:"outcome"`
	Attempts   int           `json:"attempts"`
	Written    bool          `json:"written"`
}

// AuditFilter narrows ListAuditEntries. Zero values match everything.
type AuditFilter struct {
	RunID      string
	TrackingID string
	AlertsOnly bool
	Limit      int
	Offset     int
}

// CatalogEntry counts how often a raw carrier text has been seen and how it
// was normalized the last time.
type CatalogEntry struct {
	Raw       string        `json:"raw"`
	Status    status.Status `json:"status"`
	Via       status.Via    `json:"via"`
	Count     int           `json:"count"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
}

// CatalogFilter narrows ListCatalog.
type CatalogFilter struct {
	// UncuratedOnly keeps entries resolved by heuristics or the fallback.
	UncuratedOnly bool
	Limit         int
}

// Checkpoint is the last row a run flushed for a target.
type Checkpoint struct {
	Target         string    `json:"target"`
	RunID          string    `json:"run_id"`
	LastRow        int       `json:"last_row"`
	LastTrackingID string    `json:"last_tracking_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store defines the persistence operations used by the reconciliation driver
// and the CLI.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Audit log
	AppendAudit(ctx context.Context, entries ...*AuditEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	// Status catalog
	RecordStatusSeen(ctx context.Context, raw string, st status.Status, via status.Via, seenAt time.Time) error
	ListCatalog(ctx context.Context, filter CatalogFilter) ([]*CatalogEntry, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, target string) (*Checkpoint, error)
}
