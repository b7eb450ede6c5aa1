package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/providers/carrier"
	"github.com/trackrecon/trackrecon/pkg/sheets"
	"github.com/trackrecon/trackrecon/pkg/telemetry"
)

// Environment variables that override the file configuration.
const (
	EnvSpreadsheetID = "TRACKRECON_SPREADSHEET_ID"
	EnvSheet         = "TRACKRECON_SHEET"
	EnvCredentials   = "TRACKRECON_CREDENTIALS"
	EnvCarrier       = "TRACKRECON_CARRIER"
	EnvHeadless      = "HEADLESS"
	EnvLogLevel      = "LOG_LEVEL"
)

// Config is the complete trackrecon configuration.
type Config struct {
	Sheet        SheetConfig          `yaml:"sheet" json:"sheet"`
	Rules        RulesConfig          `yaml:"rules" json:"rules"`
	Orchestrator engine.Options       `yaml:"orchestrator" json:"orchestrator"`
	Writer       sheets.WriterOptions `yaml:"writer" json:"writer"`
	Carrier      CarrierConfig        `yaml:"carrier" json:"carrier"`
	Store        StoreConfig          `yaml:"store" json:"store"`
	Lock         LockConfig           `yaml:"lock" json:"lock"`
	Telemetry    telemetry.Config     `yaml:"telemetry" json:"telemetry"`
}

// SheetConfig selects the spreadsheet backend and the columns to reconcile.
type SheetConfig struct {
	// Backend is "google" for Google Sheets or "csv" for a local file.
	Backend string `yaml:"backend" json:"backend" validate:"required,oneof=google csv"`

	SpreadsheetID   string `yaml:"spreadsheet_id" json:"spreadsheet_id" validate:"required_if=Backend google"`
	SheetName       string `yaml:"sheet_name" json:"sheet_name"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file" validate:"required_if=Backend google"`

	// CSVFile is read and rewritten by the csv backend.
	CSVFile string `yaml:"csv_file" json:"csv_file" validate:"required_if=Backend csv"`

	Columns ColumnsConfig `yaml:"columns" json:"columns"`
}

// ColumnsConfig names the header cells of the reconciled columns.
type ColumnsConfig struct {
	TrackingID   string `yaml:"tracking_id" json:"tracking_id" validate:"required"`
	SourceStatus string `yaml:"source_status" json:"source_status" validate:"required"`
	WebStatus    string `yaml:"web_status" json:"web_status" validate:"required"`

	// Alert is optional; when empty alerts are only reported.
	Alert string `yaml:"alert" json:"alert"`
}

// RulesConfig lists the keyword rule files, applied in order.
type RulesConfig struct {
	Files []string `yaml:"files" json:"files" validate:"dive,required"`

	// Watch reloads the files on change; a new rule set is adopted at the
	// next sub-batch boundary.
	Watch bool `yaml:"watch" json:"watch"`
}

// CarrierConfig selects the query provider.
type CarrierConfig struct {
	// Name is a built-in profile name, or the name of Profile when set.
	Name string `yaml:"name" json:"name" validate:"required"`

	Browser carrier.Options `yaml:"browser" json:"browser"`

	// Profile replaces the built-in profile entirely.
	Profile *carrier.Profile `yaml:"profile,omitempty" json:"profile,omitempty" validate:"-"`
}

// StoreConfig locates the SQLite history database.
type StoreConfig struct {
	Path string `yaml:"path" json:"path" validate:"required"`
}

// LockConfig configures the single-writer lock file.
type LockConfig struct {
	Path string        `yaml:"path" json:"path" validate:"required"`
	TTL  time.Duration `yaml:"ttl" json:"ttl" validate:"gt=0"`
}

// Default returns the production defaults.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Sheet: SheetConfig{
			Backend: "google",
			Columns: ColumnsConfig{
				TrackingID:   "ID TRACKING",
				SourceStatus: "STATUS DROPI",
				WebStatus:    "STATUS TRACKING",
				Alert:        "ALERTA",
			},
		},
		Orchestrator: engine.DefaultOptions(),
		Writer:       sheets.DefaultWriterOptions(),
		Carrier: CarrierConfig{
			Name:    "interrapidisimo",
			Browser: carrier.Options{Headless: true},
		},
		Store:     StoreConfig{Path: "trackrecon.db"},
		Lock:      LockConfig{Path: "trackrecon.lock", TTL: 6 * time.Hour},
		Telemetry: *tel,
	}
}

// Load reads the YAML file at path over the defaults and applies the
// environment. An empty path uses defaults and environment only. The result
// is not validated; call Validate after applying flag overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, engine.NewPermanentError("read config", err).
				WithResource(path).
				WithCode(engine.ErrCodeConfigInvalid)
		}
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return nil, engine.NewPermanentError("parse config", err).
				WithResource(path).
				WithCode(engine.ErrCodeConfigInvalid)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without touching the environment.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(r); err != nil {
		return nil, engine.NewPermanentError("parse config", err).
			WithCode(engine.ErrCodeConfigInvalid)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from environment variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvSpreadsheetID); v != "" {
		c.Sheet.SpreadsheetID = v
	}
	if v := getenv(EnvSheet); v != "" {
		c.Sheet.SheetName = v
	}
	if v := getenv(EnvCredentials); v != "" {
		c.Sheet.CredentialsFile = v
	}
	if v := getenv(EnvCarrier); v != "" {
		c.Carrier.Name = v
	}
	if v := getenv(EnvHeadless); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return engine.NewPermanentError(fmt.Sprintf("invalid %s value %q", EnvHeadless, v), err).
				WithCode(engine.ErrCodeConfigInvalid)
		}
		c.Carrier.Browser.Headless = b
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

// Validate checks struct tags, the telemetry section and the carrier profile.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return engine.NewPermanentError("invalid configuration", err).
			WithCode(engine.ErrCodeConfigInvalid)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewPermanentError("invalid telemetry configuration", err).
			WithCode(engine.ErrCodeConfigInvalid)
	}
	if _, err := c.CarrierProfile(); err != nil {
		return err
	}
	return nil
}

// CarrierProfile resolves the configured carrier profile.
func (c *Config) CarrierProfile() (carrier.Profile, error) {
	if c.Carrier.Profile != nil {
		p := *c.Carrier.Profile
		if p.Name == "" {
			p.Name = c.Carrier.Name
		}
		if err := p.Validate(); err != nil {
			return carrier.Profile{}, engine.NewPermanentError("invalid carrier profile", err).
				WithCode(engine.ErrCodeConfigInvalid)
		}
		return p, nil
	}
	p, ok := carrier.Lookup(c.Carrier.Name)
	if !ok {
		return carrier.Profile{}, engine.NewPermanentError(
			fmt.Sprintf("unknown carrier %q (built-in: %s)", c.Carrier.Name, strings.Join(carrier.Names(), ", ")), nil).
			WithCode(engine.ErrCodeConfigInvalid)
	}
	return p, nil
}

// Target identifies the sheet a run writes to; it keys run history,
// checkpoints and the lock.
func (c *Config) Target() string {
	switch c.Sheet.Backend {
	case "csv":
		return "csv:" + c.Sheet.CSVFile
	default:
		if c.Sheet.SheetName == "" {
			return c.Sheet.SpreadsheetID
		}
		return c.Sheet.SpreadsheetID + "/" + c.Sheet.SheetName
	}
}
