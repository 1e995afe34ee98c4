// Package viz persists mesh topology for the network dashboard: which
// devices are attached to this superpeer, the links between them, and the
// daily peak device count.
package viz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"superpeer/pkg/channel"
	"superpeer/pkg/utils"
)

var (
	ErrDSNRequired  = errors.New("viz: DB_DSN is required")
	ErrDSNInvalid   = errors.New("viz: DB_DSN is invalid")
	ErrTLSRequired  = errors.New("viz: TLS is required outside development")
	ErrOpenFailed   = errors.New("viz: failed to establish connection")
	ErrStoreClosed  = errors.New("viz: store is closed")
)

// StoreConfig holds database connection configuration.
type StoreConfig struct {
	DSN          string // PostgreSQL connection string (sensitive, never logged)
	ConnTimeout  time.Duration
	TLSEnabled   bool
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	Environment  string // production, staging, development, test
}

// LoadStoreConfig reads the store configuration from the environment.
func LoadStoreConfig(cm *utils.ConfigManager) (StoreConfig, error) {
	dsn, err := cm.GetSecret("DB_DSN")
	if err != nil {
		return StoreConfig{}, ErrDSNRequired
	}
	return StoreConfig{
		DSN:          dsn,
		ConnTimeout:  cm.GetDuration("DB_CONN_TIMEOUT", 5*time.Second),
		TLSEnabled:   cm.GetBool("DB_TLS", true),
		MaxOpenConns: cm.GetInt("DB_MAX_OPEN", 20),
		MaxIdleConns: cm.GetInt("DB_MAX_IDLE", 5),
		MaxLifetime:  cm.GetDuration("DB_MAX_LIFETIME", 30*time.Minute),
		Environment:  strings.ToLower(cm.GetString("ENVIRONMENT", "production")),
	}, nil
}

// Store is the topology persistence layer.
type Store struct {
	db     *sql.DB
	local  channel.Address
	logger *utils.Logger
	audit  *utils.AuditLogger
}

// NewStore opens the database, enforces TLS outside development, and
// ensures the schema exists. The DSN never reaches the logs.
func NewStore(ctx context.Context, cfg StoreConfig, local channel.Address, logger *utils.Logger, audit *utils.AuditLogger) (*Store, error) {
	if logger == nil {
		return nil, errors.New("viz: logger is required")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, ErrDSNRequired
	}
	if !strings.HasPrefix(cfg.DSN, "postgres://") && !strings.HasPrefix(cfg.DSN, "postgresql://") {
		return nil, fmt.Errorf("%w: must start with postgres:// or postgresql://", ErrDSNInvalid)
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 5 * time.Second
	}

	if cfg.Environment == "production" || cfg.Environment == "staging" {
		if !cfg.TLSEnabled || strings.Contains(cfg.DSN, "sslmode=disable") {
			if audit != nil {
				_ = audit.Security("viz_db_tls_enforcement_failed", map[string]interface{}{
					"environment": cfg.Environment,
				})
			}
			return nil, fmt.Errorf("%w: environment=%s", ErrTLSRequired, cfg.Environment)
		}
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open failed", ErrOpenFailed)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		// Detailed ping errors can echo connection parameters.
		return nil, fmt.Errorf("%w: ping failed", ErrOpenFailed)
	}

	s := &Store{db: db, local: local, logger: logger, audit: audit}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if audit != nil {
		_ = audit.Info("viz_db_connected", map[string]interface{}{
			"environment": cfg.Environment,
			"tls_enabled": cfg.TLSEnabled,
		})
	}
	logger.InfoContext(ctx, "topology store connected",
		utils.ZapString("environment", cfg.Environment),
		utils.ZapBool("tls_enabled", cfg.TLSEnabled))
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			address     TEXT PRIMARY KEY,
			remote_addr TEXT NOT NULL DEFAULT '',
			online      BOOLEAN NOT NULL DEFAULT FALSE,
			first_seen  TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS links (
			superpeer      TEXT NOT NULL,
			device         TEXT NOT NULL,
			established_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			closed_at      TIMESTAMPTZ,
			PRIMARY KEY (superpeer, device)
		)`,
		`CREATE TABLE IF NOT EXISTS peak_devices (
			day  DATE PRIMARY KEY,
			peak INTEGER NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("viz: schema: %w", err)
		}
	}
	return nil
}

// DeviceOnline upserts a device as online and opens its link row.
func (s *Store) DeviceOnline(ctx context.Context, device channel.Address, remote string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (address, remote_addr, online, last_seen)
		VALUES ($1, $2, TRUE, now())
		ON CONFLICT (address) DO UPDATE
		SET remote_addr = EXCLUDED.remote_addr, online = TRUE, last_seen = now()
	`, device.String(), remote)
	if err != nil {
		return fmt.Errorf("viz: upsert device: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO links (superpeer, device, established_at, closed_at)
		VALUES ($1, $2, now(), NULL)
		ON CONFLICT (superpeer, device) DO UPDATE
		SET established_at = now(), closed_at = NULL
	`, s.local.String(), device.String())
	if err != nil {
		return fmt.Errorf("viz: upsert link: %w", err)
	}
	return nil
}

// DeviceOffline marks a device offline and closes its link row.
func (s *Store) DeviceOffline(ctx context.Context, device channel.Address) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET online = FALSE, last_seen = now() WHERE address = $1
	`, device.String())
	if err != nil {
		return fmt.Errorf("viz: device offline: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE links SET closed_at = now() WHERE superpeer = $1 AND device = $2
	`, s.local.String(), device.String())
	if err != nil {
		return fmt.Errorf("viz: close link: %w", err)
	}
	return nil
}

// CountOnline returns the number of devices currently linked to this node.
func (s *Store) CountOnline(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM links WHERE superpeer = $1 AND closed_at IS NULL
	`, s.local.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("viz: count online: %w", err)
	}
	return count, nil
}

// RecordPeak records count as today's peak if it exceeds the stored one.
func (s *Store) RecordPeak(ctx context.Context, day time.Time, count int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peak_devices (day, peak) VALUES ($1, $2)
		ON CONFLICT (day) DO UPDATE
		SET peak = GREATEST(peak_devices.peak, EXCLUDED.peak)
	`, day.UTC().Format("2006-01-02"), count)
	if err != nil {
		return fmt.Errorf("viz: record peak: %w", err)
	}
	return nil
}

// MarkAllOffline closes every open link for this node; called on startup so
// state left by an unclean shutdown does not linger as phantom devices.
func (s *Store) MarkAllOffline(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE links SET closed_at = now() WHERE superpeer = $1 AND closed_at IS NULL
	`, s.local.String())
	if err != nil {
		return fmt.Errorf("viz: mark all offline: %w", err)
	}
	return nil
}

// Ping checks database liveness
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
