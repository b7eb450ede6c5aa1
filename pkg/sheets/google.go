package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/trackrecon/trackrecon/pkg/engine"
)

// GoogleConfig identifies a worksheet in a Google spreadsheet.
type GoogleConfig struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsFile string
}

// GoogleBackend reads and writes a worksheet through the Sheets API v4.
type GoogleBackend struct {
	svc    *gsheets.Service
	cfg    GoogleConfig
	logger zerolog.Logger
}

// NewGoogleBackend creates a backend authenticated with a service-account
// credentials file.
func NewGoogleBackend(ctx context.Context, cfg GoogleConfig, logger zerolog.Logger) (*GoogleBackend, error) {
	if cfg.SpreadsheetID == "" || cfg.SheetName == "" {
		return nil, engine.NewPermanentError("spreadsheet id and sheet name are required", nil).
			WithCode(engine.ErrCodeConfigInvalid)
	}

	opts := []option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, engine.NewPermanentError("failed to create sheets client", err).
			WithCode(engine.ErrCodeBackendUnavailable)
	}

	return &GoogleBackend{
		svc: svc,
		cfg: cfg,
		logger: logger.With().
			Str("component", "google-sheets").
			Str("sheet", cfg.SheetName).
			Logger(),
	}, nil
}

// SheetName returns the worksheet name used to prefix ranges.
func (b *GoogleBackend) SheetName() string {
	return b.cfg.SheetName
}

// ReadAllRows implements Backend.
func (b *GoogleBackend) ReadAllRows(ctx context.Context) (Table, error) {
	resp, err := b.svc.Spreadsheets.Values.
		Get(b.cfg.SpreadsheetID, QuoteSheet(b.cfg.SheetName)).
		Context(ctx).
		Do()
	if err != nil {
		return Table{}, classifyAPIError("failed to read sheet", err).WithOperation("read")
	}

	var t Table
	for i, row := range resp.Values {
		values := make([]string, len(row))
		for j, v := range row {
			values[j] = fmt.Sprint(v)
		}
		if i == 0 {
			t.Headers = values
			continue
		}
		t.Rows = append(t.Rows, values)
	}

	b.logger.Debug().Int("rows", len(t.Rows)).Msg("Read sheet")
	return t, nil
}

// WriteRange implements Backend.
func (b *GoogleBackend) WriteRange(ctx context.Context, rng string, values [][]string) error {
	_, err := b.svc.Spreadsheets.Values.
		Update(b.cfg.SpreadsheetID, rng, &gsheets.ValueRange{Range: rng, Values: toAPIValues(values)}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return classifyAPIError("failed to write range", err).WithResource(rng).WithOperation("write")
	}
	return nil
}

// BatchWrite implements Backend.
func (b *GoogleBackend) BatchWrite(ctx context.Context, ranges []ValueRange) error {
	req := &gsheets.BatchUpdateValuesRequest{ValueInputOption: "RAW"}
	for _, vr := range ranges {
		req.Data = append(req.Data, &gsheets.ValueRange{Range: vr.Range, Values: toAPIValues(vr.Values)})
	}

	_, err := b.svc.Spreadsheets.Values.
		BatchUpdate(b.cfg.SpreadsheetID, req).
		Context(ctx).
		Do()
	if err != nil {
		return classifyAPIError("failed to batch write ranges", err).
			WithOperation("batch_write").
			WithDetail("ranges", len(ranges))
	}
	return nil
}

func toAPIValues(values [][]string) [][]interface{} {
	out := make([][]interface{}, len(values))
	for i, row := range values {
		out[i] = make([]interface{}, len(row))
		for j, v := range row {
			out[i][j] = v
		}
	}
	return out
}

// classifyAPIError maps Sheets API failures onto the engine taxonomy: quota
// and rate errors are throttled, auth and addressing errors are permanent,
// everything else is transient.
func classifyAPIError(message string, err error) *engine.EngineError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests, isQuotaError(apiErr):
			return engine.NewThrottledError(message, err)
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden,
			apiErr.Code == http.StatusNotFound:
			return engine.NewPermanentError(message, err).WithCode(engine.ErrCodeBackendUnavailable)
		case apiErr.Code == http.StatusBadRequest:
			return engine.NewDataShapeError(message, err).WithCode(engine.ErrCodeValidation)
		}
		return engine.NewTransientError(message, err)
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "429") || strings.Contains(lower, "quota") {
		return engine.NewThrottledError(message, err)
	}
	return engine.NewTransientError(message, err)
}

func isQuotaError(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" ||
			strings.Contains(strings.ToLower(item.Reason), "quota") {
			return true
		}
	}
	lower := strings.ToLower(apiErr.Message)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "resource_exhausted")
}
