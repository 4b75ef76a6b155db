package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

// HistoryFilter narrows alert history queries. Empty fields match everything.
type HistoryFilter struct {
	AlertID string
	Action  string
}

func (f HistoryFilter) where() (string, []interface{}) {
	clause := ""
	var args []interface{}
	add := func(cond string, v interface{}) {
		if clause == "" {
			clause = " WHERE "
		} else {
			clause += " AND "
		}
		clause += cond
		args = append(args, v)
	}
	if f.AlertID != "" {
		add("alert_id = ?", f.AlertID)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	return clause, args
}

// AlertHistoryStorage is the audit log of alert transitions
type AlertHistoryStorage interface {
	// Record stores one transition
	Record(ctx context.Context, transition *model.AlertTransition) error

	// List retrieves transitions, newest first, with pagination
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.AlertTransition, error)

	// Count returns the number of transitions matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes transitions older than before
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteAlertHistory implements AlertHistoryStorage using SQLite
type SQLiteAlertHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteAlertHistory creates the alert history table on db
func NewSQLiteAlertHistory(logger *zap.Logger, db *sql.DB) (*SQLiteAlertHistory, error) {
	h := &SQLiteAlertHistory{
		logger: logger.Named("alert-history"),
		db:     db,
	}
	if err := h.initialize(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *SQLiteAlertHistory) initialize() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS alert_history (
			id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL,
			action TEXT NOT NULL,
			from_status TEXT,
			to_status TEXT,
			assigned_to TEXT,
			response_time_minutes INTEGER,
			occurred_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_history_alert_id ON alert_history(alert_id);
		CREATE INDEX IF NOT EXISTS idx_alert_history_occurred_at ON alert_history(occurred_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize alert history: %w", err)
	}
	return nil
}

// Record implements AlertHistoryStorage.Record
func (h *SQLiteAlertHistory) Record(ctx context.Context, tr *model.AlertTransition) error {
	var rt sql.NullInt64
	if tr.ResponseTimeMinutes != nil {
		rt = sql.NullInt64{Int64: int64(*tr.ResponseTimeMinutes), Valid: true}
	}

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO alert_history (
			id, alert_id, action, from_status, to_status, assigned_to,
			response_time_minutes, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID,
		tr.AlertID,
		tr.Action,
		sql.NullString{String: string(tr.FromStatus), Valid: tr.FromStatus != ""},
		sql.NullString{String: string(tr.ToStatus), Valid: tr.ToStatus != ""},
		sql.NullString{String: tr.AssignedTo, Valid: tr.AssignedTo != ""},
		rt,
		toMillis(tr.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store alert transition: %w", err)
	}
	return nil
}

// List implements AlertHistoryStorage.List
func (h *SQLiteAlertHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.AlertTransition, error) {
	where, args := filter.where()
	query := `SELECT id, alert_id, action, from_status, to_status, assigned_to,
		response_time_minutes, occurred_at FROM alert_history` + where +
		" ORDER BY occurred_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert history: %w", err)
	}
	defer rows.Close()

	transitions := make([]*model.AlertTransition, 0)
	for rows.Next() {
		tr := &model.AlertTransition{}
		var from, to, assigned sql.NullString
		var rt sql.NullInt64
		var occurred int64

		if err := rows.Scan(&tr.ID, &tr.AlertID, &tr.Action, &from, &to, &assigned, &rt, &occurred); err != nil {
			return nil, fmt.Errorf("failed to scan alert transition: %w", err)
		}

		tr.FromStatus = model.AlertStatus(from.String)
		tr.ToStatus = model.AlertStatus(to.String)
		tr.AssignedTo = assigned.String
		tr.OccurredAt = fromMillis(occurred)
		if rt.Valid {
			v := int(rt.Int64)
			tr.ResponseTimeMinutes = &v
		}
		transitions = append(transitions, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return transitions, nil
}

// Count implements AlertHistoryStorage.Count
func (h *SQLiteAlertHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()

	var count int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alert_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count alert history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements AlertHistoryStorage.DeleteBefore
func (h *SQLiteAlertHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := h.db.ExecContext(ctx, "DELETE FROM alert_history WHERE occurred_at < ?", toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete alert history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	h.logger.Info("Deleted old alert history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return affected, nil
}
