package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OperatingMode is the legal operating policy.
type OperatingMode string

const (
	ModeVerifactu   OperatingMode = "verifactu"
	ModeNoVerifactu OperatingMode = "no_verifactu"
)

// Environment selects the tax authority endpoint set.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvTesting    Environment = "testing"
)

// Configuration is the process-wide singleton configuration row. It is
// mutable until the first record is appended; from then on the mode-lock
// fields freeze the operating mode for the fiscal year and the row can no
// longer be deleted.
type Configuration struct {
	Enabled     bool          `json:"enabled"`
	Mode        OperatingMode `json:"mode"`
	Environment Environment   `json:"environment"`

	// Software identity carried in the SistemaInformatico wire block.
	SoftwareName         string `json:"software_name"`
	SoftwareVersion      string `json:"software_version"`
	SoftwareID           string `json:"software_id"`
	SoftwareNIF          string `json:"software_nif"`
	InstallationNumber   string `json:"installation_number"`

	CertificatePath     string     `json:"certificate_path"`
	CertificatePassword string     `json:"certificate_password"`
	CertificateExpiry   *time.Time `json:"certificate_expiry,omitempty"`

	AutoTransmit  bool `json:"auto_transmit"`
	RetryInterval int  `json:"retry_interval_minutes"`
	MaxRetries    int  `json:"max_retries"`

	ModeLocked       bool       `json:"mode_locked"`
	ModeLockedAt     *time.Time `json:"mode_locked_at,omitempty"`
	ModeLockedBy     string     `json:"mode_locked_by,omitempty"`
	FiscalYearLocked int        `json:"fiscal_year_locked,omitempty"`

	ModuleActivated bool       `json:"module_activated"`
	FirstRecordDate *time.Time `json:"first_record_date,omitempty"`

	LastReconciliationAt      *time.Time `json:"last_reconciliation_at,omitempty"`
	LastReconciliationStatus  string     `json:"last_reconciliation_status,omitempty"`
	LastReconciliationMessage string     `json:"last_reconciliation_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsProduction reports whether the production endpoint set applies.
func (c Configuration) IsProduction() bool { return c.Environment == EnvProduction }

// IsVerifactuMode reports whether real-time transmission applies.
func (c Configuration) IsVerifactuMode() bool { return c.Mode == ModeVerifactu }

// HasCertificate reports whether a credential is configured.
func (c Configuration) HasCertificate() bool {
	return c.CertificatePath != "" && c.CertificatePassword != ""
}

// DaysUntilCertificateExpiry returns the signed day count to expiry, or
// false when no expiry date is set.
func (c Configuration) DaysUntilCertificateExpiry(now time.Time) (int, bool) {
	if c.CertificateExpiry == nil {
		return 0, false
	}
	days := int(c.CertificateExpiry.Sub(now.Truncate(24*time.Hour)).Hours() / 24)
	return days, true
}

// ConfigStore persists the singleton configuration row.
type ConfigStore struct {
	db *sql.DB
}

const configSchema = `
CREATE TABLE IF NOT EXISTS configuration (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	enabled INTEGER NOT NULL DEFAULT 0,
	mode TEXT NOT NULL DEFAULT 'verifactu',
	environment TEXT NOT NULL DEFAULT 'testing',
	software_name TEXT NOT NULL DEFAULT '',
	software_version TEXT NOT NULL DEFAULT '',
	software_id TEXT NOT NULL DEFAULT '',
	software_nif TEXT NOT NULL DEFAULT '',
	installation_number TEXT NOT NULL DEFAULT '1',
	certificate_path TEXT NOT NULL DEFAULT '',
	certificate_password TEXT NOT NULL DEFAULT '',
	certificate_expiry TEXT,
	auto_transmit INTEGER NOT NULL DEFAULT 1,
	retry_interval_minutes INTEGER NOT NULL DEFAULT 5,
	max_retries INTEGER NOT NULL DEFAULT 10,
	mode_locked INTEGER NOT NULL DEFAULT 0,
	mode_locked_at TEXT,
	mode_locked_by TEXT NOT NULL DEFAULT '',
	fiscal_year_locked INTEGER NOT NULL DEFAULT 0,
	module_activated INTEGER NOT NULL DEFAULT 0,
	first_record_date TEXT,
	last_reconciliation_at TEXT,
	last_reconciliation_status TEXT NOT NULL DEFAULT '',
	last_reconciliation_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// NewConfigStore migrates and returns the configuration store.
func NewConfigStore(ctx context.Context, db *sql.DB) (*ConfigStore, error) {
	for _, stmt := range strings.Split(configSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate configuration: %w", err)
		}
	}
	return &ConfigStore{db: db}, nil
}

const configColumns = `enabled, mode, environment,
	software_name, software_version, software_id, software_nif, installation_number,
	certificate_path, certificate_password, certificate_expiry,
	auto_transmit, retry_interval_minutes, max_retries,
	mode_locked, mode_locked_at, mode_locked_by, fiscal_year_locked,
	module_activated, first_record_date,
	last_reconciliation_at, last_reconciliation_status, last_reconciliation_message,
	created_at, updated_at`

// GetOrCreate loads the singleton row, creating it with defaults when the
// table is empty.
func (s *ConfigStore) GetOrCreate(ctx context.Context, now time.Time) (Configuration, error) {
	cfg, err := s.get(ctx, s.db)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Configuration{}, err
	}

	cfg = Configuration{
		Mode:               ModeVerifactu,
		Environment:        EnvTesting,
		InstallationNumber: "1",
		AutoTransmit:       true,
		RetryInterval:      5,
		MaxRetries:         10,
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO configuration (id, `+configColumns+`)
		VALUES (1, $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		saveArgs(cfg)...)
	if err != nil {
		if isUniqueViolation(err) {
			// Another caller won the race; re-read its row.
			return s.get(ctx, s.db)
		}
		return Configuration{}, fmt.Errorf("create configuration: %w", err)
	}
	return cfg, nil
}

// Save rewrites the singleton row.
func (s *ConfigStore) Save(ctx context.Context, cfg Configuration) error {
	return s.save(ctx, s.db, cfg)
}

// SaveTx is Save inside an open transaction, used to lock the mode
// atomically with the first record append.
func (s *ConfigStore) SaveTx(ctx context.Context, tx *sql.Tx, cfg Configuration) error {
	return s.save(ctx, tx, cfg)
}

// GetTx reads the configuration inside an open transaction.
func (s *ConfigStore) GetTx(ctx context.Context, tx *sql.Tx) (Configuration, error) {
	return s.get(ctx, tx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *ConfigStore) save(ctx context.Context, q execer, cfg Configuration) error {
	cfg.UpdatedAt = time.Now().UTC()
	args := saveArgs(cfg)
	set := []string{}
	cols := strings.Split(configColumns, ",")
	for i, col := range cols {
		set = append(set, fmt.Sprintf("%s = $%d", strings.TrimSpace(col), i+1))
	}
	_, err := q.ExecContext(ctx,
		`UPDATE configuration SET `+strings.Join(set, ", ")+` WHERE id = 1`, args...)
	if err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	return nil
}

func saveArgs(cfg Configuration) []any {
	return []any{
		boolToInt(cfg.Enabled), string(cfg.Mode), string(cfg.Environment),
		cfg.SoftwareName, cfg.SoftwareVersion, cfg.SoftwareID, cfg.SoftwareNIF, cfg.InstallationNumber,
		cfg.CertificatePath, cfg.CertificatePassword, formatNullableTime(cfg.CertificateExpiry),
		boolToInt(cfg.AutoTransmit), cfg.RetryInterval, cfg.MaxRetries,
		boolToInt(cfg.ModeLocked), formatNullableTime(cfg.ModeLockedAt), cfg.ModeLockedBy, cfg.FiscalYearLocked,
		boolToInt(cfg.ModuleActivated), formatNullableTime(cfg.FirstRecordDate),
		formatNullableTime(cfg.LastReconciliationAt), cfg.LastReconciliationStatus, cfg.LastReconciliationMessage,
		formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt),
	}
}

func (s *ConfigStore) get(ctx context.Context, q execer) (Configuration, error) {
	var (
		cfg                                 Configuration
		enabled, autoTransmit               int
		modeLocked, moduleActivated         int
		certExpiry, modeLockedAt            sql.NullString
		firstRecordDate, lastReconciliation sql.NullString
		createdAt, updatedAt                string
	)
	err := q.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM configuration WHERE id = 1`).Scan(
		&enabled, &cfg.Mode, &cfg.Environment,
		&cfg.SoftwareName, &cfg.SoftwareVersion, &cfg.SoftwareID, &cfg.SoftwareNIF, &cfg.InstallationNumber,
		&cfg.CertificatePath, &cfg.CertificatePassword, &certExpiry,
		&autoTransmit, &cfg.RetryInterval, &cfg.MaxRetries,
		&modeLocked, &modeLockedAt, &cfg.ModeLockedBy, &cfg.FiscalYearLocked,
		&moduleActivated, &firstRecordDate,
		&lastReconciliation, &cfg.LastReconciliationStatus, &cfg.LastReconciliationMessage,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Configuration{}, err
	}
	cfg.Enabled = enabled != 0
	cfg.AutoTransmit = autoTransmit != 0
	cfg.ModeLocked = modeLocked != 0
	cfg.ModuleActivated = moduleActivated != 0
	cfg.CertificateExpiry = parseNullableTime(certExpiry)
	cfg.ModeLockedAt = parseNullableTime(modeLockedAt)
	cfg.FirstRecordDate = parseNullableTime(firstRecordDate)
	cfg.LastReconciliationAt = parseNullableTime(lastReconciliation)
	cfg.CreatedAt = parseTime(createdAt)
	cfg.UpdatedAt = parseTime(updatedAt)
	return cfg, nil
}
