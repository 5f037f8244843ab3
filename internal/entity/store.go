package entity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/gira-bridge/internal/bridges/gira"
)

// Value change sources recorded in history rows.
const (
	SourcePoll     = "poll"
	SourceCallback = "callback"
	SourceCommand  = "command"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ValueChange is one recorded datapoint change.
type ValueChange struct {
	ID           int64     `json:"id"`
	DatapointUID string    `json:"datapoint_uid"`
	Value        string    `json:"value"`
	Source       string    `json:"source"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Store persists the parsed UI configuration and datapoint value history
// in SQLite.
//
// The configuration tables are replaced wholesale on every save so they
// always mirror the device's current project; history rows accumulate
// and are pruned by age.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on an open SQLite connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveConfig replaces the persisted UI configuration.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - cfg: Parsed configuration to persist
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (s *Store) SaveConfig(ctx context.Context, cfg *gira.UIConfig) error {
	if cfg == nil || cfg.UID == "" {
		return fmt.Errorf("config with uid is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning config save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM ui_configs"); err != nil {
		return fmt.Errorf("clearing previous config: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM functions"); err != nil {
		return fmt.Errorf("clearing previous functions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM datapoints"); err != nil {
		return fmt.Errorf("clearing previous datapoints: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO ui_configs (uid, fetched_at) VALUES (?, ?)",
		cfg.UID, now,
	); err != nil {
		return fmt.Errorf("inserting config: %w", err)
	}

	for _, fn := range cfg.Functions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO functions (uid, config_uid, display_name, function_type, channel_type)
			 VALUES (?, ?, ?, ?, ?)`,
			fn.UID, cfg.UID, fn.DisplayName, fn.FunctionType, fn.ChannelType,
		); err != nil {
			return fmt.Errorf("inserting function %s: %w", fn.UID, err)
		}

		for _, dp := range fn.DataPoints {
			if dp.UID == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO datapoints (uid, function_uid, name, can_read, can_write)
				 VALUES (?, ?, ?, ?, ?)`,
				dp.UID, fn.UID, dp.Name, dp.CanRead, dp.CanWrite,
			); err != nil {
				return fmt.Errorf("inserting datapoint %s: %w", dp.UID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing config save: %w", err)
	}
	return nil
}

// LoadConfig returns the persisted UI configuration, or nil when none
// has been saved yet.
func (s *Store) LoadConfig(ctx context.Context) (*gira.UIConfig, error) {
	var cfg gira.UIConfig
	err := s.db.QueryRowContext(ctx, "SELECT uid FROM ui_configs LIMIT 1").Scan(&cfg.UID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying config: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, display_name, function_type, channel_type
		 FROM functions WHERE config_uid = ? ORDER BY uid`,
		cfg.UID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying functions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fn gira.Function
		if err := rows.Scan(&fn.UID, &fn.DisplayName, &fn.FunctionType, &fn.ChannelType); err != nil {
			return nil, fmt.Errorf("scanning function: %w", err)
		}
		cfg.Functions = append(cfg.Functions, fn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating functions: %w", err)
	}

	for i := range cfg.Functions {
		if err := s.loadDataPoints(ctx, &cfg.Functions[i]); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (s *Store) loadDataPoints(ctx context.Context, fn *gira.Function) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT uid, name, can_read, can_write FROM datapoints WHERE function_uid = ? ORDER BY uid",
		fn.UID,
	)
	if err != nil {
		return fmt.Errorf("querying datapoints for %s: %w", fn.UID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var dp gira.DataPoint
		if err := rows.Scan(&dp.UID, &dp.Name, &dp.CanRead, &dp.CanWrite); err != nil {
			return fmt.Errorf("scanning datapoint: %w", err)
		}
		fn.DataPoints = append(fn.DataPoints, dp)
	}
	return rows.Err()
}

// RecordValueChange inserts a history row for a datapoint change.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - datapointUID: The changed datapoint
//   - value: New raw wire value
//   - source: Origin of the change (poll, callback, command)
func (s *Store) RecordValueChange(ctx context.Context, datapointUID, value, source string) error {
	if datapointUID == "" {
		return fmt.Errorf("datapoint uid is required")
	}
	if source == "" {
		source = SourcePoll
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO value_history (datapoint_uid, value, source, recorded_at) VALUES (?, ?, ?, ?)",
		datapointUID, value, source, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting value history: %w", err)
	}
	return nil
}

// RecentHistory returns recent value changes for a datapoint, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - datapointUID: Datapoint to query
//   - limit: Maximum entries to return (default 50, max 200)
func (s *Store) RecentHistory(ctx context.Context, datapointUID string, limit int) ([]ValueChange, error) {
	if datapointUID == "" {
		return nil, fmt.Errorf("datapoint uid is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, datapoint_uid, value, source, recorded_at
		 FROM value_history
		 WHERE datapoint_uid = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		datapointUID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying value history: %w", err)
	}
	defer rows.Close()

	changes := make([]ValueChange, 0, limit)
	for rows.Next() {
		var change ValueChange
		var recordedAt string
		if err := rows.Scan(&change.ID, &change.DatapointUID, &change.Value, &change.Source, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning value history: %w", err)
		}
		timestamp, err := time.Parse(time.RFC3339, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		change.RecordedAt = timestamp
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating value history: %w", err)
	}
	return changes, nil
}

// PruneHistory deletes history rows older than the given duration.
//
// Returns:
//   - int64: Number of rows deleted
func (s *Store) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM value_history WHERE recorded_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting value history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rowsAffected, nil
}
