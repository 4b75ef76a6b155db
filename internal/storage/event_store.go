package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

// EventStore persists the raw entities the dashboard is computed from
type EventStore interface {
	// SaveEvent inserts or replaces an event reported by a site
	SaveEvent(ctx context.Context, siteID string, event *model.Event) error

	// ListEvents returns the events of a site recorded at or after since,
	// newest first. An event belongs to the site it was reported for, or
	// to its camera's site when none was recorded. An empty site id lists
	// every site.
	ListEvents(ctx context.Context, siteID string, since time.Time, limit int) ([]model.Event, error)

	// SaveCamera inserts or replaces a camera
	SaveCamera(ctx context.Context, camera *model.Camera) error

	// ListCameras returns the cameras of a site
	ListCameras(ctx context.Context, siteID string) ([]model.Camera, error)

	// SaveSite inserts or replaces a site
	SaveSite(ctx context.Context, site *model.Site) error

	// GetSite returns a site by id
	GetSite(ctx context.Context, id string) (*model.Site, error)

	// DeleteEventsBefore deletes events older than before
	DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error)

	// SaveAlert inserts or replaces an upstream alert raised for a site
	SaveAlert(ctx context.Context, siteID string, alert *model.Alert) error

	// ListAlerts returns the upstream alerts of a site raised at or after
	// since, newest first
	ListAlerts(ctx context.Context, siteID string, since time.Time) ([]*model.Alert, error)
}

// SQLiteEventStore implements EventStore using SQLite
type SQLiteEventStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteEventStore creates the event store tables on db
func NewSQLiteEventStore(logger *zap.Logger, db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{
		logger: logger.Named("event-store"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT,
			start_date INTEGER,
			lat REAL NOT NULL DEFAULT 0,
			lon REAL NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS cameras (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			site_id TEXT NOT NULL,
			location TEXT,
			status TEXT,
			lat REAL,
			lon REAL
		);
		CREATE INDEX IF NOT EXISTS idx_cameras_site_id ON cameras(site_id);
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			detection_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			site_id TEXT NOT NULL DEFAULT '',
			camera_id TEXT,
			timestamp INTEGER NOT NULL,
			confidence REAL,
			description TEXT,
			equipment TEXT,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_camera_id ON events(camera_id);
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			type TEXT NOT NULL,
			priority TEXT NOT NULL,
			title TEXT,
			message TEXT,
			location TEXT,
			camera TEXT,
			timestamp INTEGER NOT NULL,
			evidence TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_site_timestamp ON alerts(site_id, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}

	// databases created before events carried their site
	if err := s.ensureColumn("events", "site_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_events_site_id ON events(site_id)"); err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	found := false
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		if name == column {
			found = true
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if found {
		return nil
	}

	if _, err := s.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + decl); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	s.logger.Info("Added column", zap.String("table", table), zap.String("column", column))
	return nil
}

// SaveEvent implements EventStore.SaveEvent
func (s *SQLiteEventStore) SaveEvent(ctx context.Context, siteID string, event *model.Event) error {
	var equipment sql.NullString
	if len(event.EquipmentInvolved) > 0 {
		data, err := json.Marshal(event.EquipmentInvolved)
		if err != nil {
			return fmt.Errorf("failed to marshal equipment: %w", err)
		}
		equipment = sql.NullString{String: string(data), Valid: true}
	}

	var confidence sql.NullFloat64
	if event.ConfidenceScore != nil {
		confidence = sql.NullFloat64{Float64: *event.ConfidenceScore, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO events (
			id, site_id, detection_type, severity, camera_id, timestamp, confidence,
			description, equipment, acknowledged, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		siteID,
		event.DetectionType,
		event.Severity,
		event.CameraID,
		toMillis(event.Timestamp),
		confidence,
		event.Description,
		equipment,
		event.Acknowledged,
		event.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// ListEvents implements EventStore.ListEvents
func (s *SQLiteEventStore) ListEvents(ctx context.Context, siteID string, since time.Time, limit int) ([]model.Event, error) {
	query := `SELECT e.id, e.detection_type, e.severity, e.camera_id, e.timestamp,
		e.confidence, e.description, e.equipment, e.acknowledged, e.resolved
		FROM events e`
	args := make([]interface{}, 0, 3)

	if siteID != "" {
		query += ` LEFT JOIN cameras c ON c.id = e.camera_id
			WHERE COALESCE(NULLIF(e.site_id, ''), c.site_id) = ? AND e.timestamp >= ?`
		args = append(args, siteID)
	} else {
		query += " WHERE e.timestamp >= ?"
	}
	args = append(args, toMillis(since))

	query += " ORDER BY e.timestamp DESC, e.id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]model.Event, 0)
	for rows.Next() {
		var e model.Event
		var ts int64
		var confidence sql.NullFloat64
		var cameraID, description, equipment sql.NullString

		if err := rows.Scan(
			&e.ID,
			&e.DetectionType,
			&e.Severity,
			&cameraID,
			&ts,
			&confidence,
			&description,
			&equipment,
			&e.Acknowledged,
			&e.Resolved,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		e.Timestamp = fromMillis(ts)
		e.CameraID = cameraID.String
		e.Description = description.String
		if confidence.Valid {
			c := confidence.Float64
			e.ConfidenceScore = &c
		}
		if equipment.Valid && equipment.String != "" {
			if err := json.Unmarshal([]byte(equipment.String), &e.EquipmentInvolved); err != nil {
				s.logger.Warn("Ignoring malformed equipment list",
					zap.String("event_id", e.ID),
					zap.Error(err))
			}
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

// SaveCamera implements EventStore.SaveCamera
func (s *SQLiteEventStore) SaveCamera(ctx context.Context, camera *model.Camera) error {
	var lat, lon sql.NullFloat64
	if camera.Coordinates != nil {
		lat = sql.NullFloat64{Float64: camera.Coordinates.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: camera.Coordinates.Lon, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cameras (id, name, site_id, location, status, lat, lon)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		camera.ID,
		camera.Name,
		camera.SiteID,
		camera.Location,
		camera.Status,
		lat,
		lon,
	)
	if err != nil {
		return fmt.Errorf("failed to store camera: %w", err)
	}
	return nil
}

// ListCameras implements EventStore.ListCameras
func (s *SQLiteEventStore) ListCameras(ctx context.Context, siteID string) ([]model.Camera, error) {
	query := "SELECT id, name, site_id, location, status, lat, lon FROM cameras"
	var args []interface{}
	if siteID != "" {
		query += " WHERE site_id = ?"
		args = append(args, siteID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	cameras := make([]model.Camera, 0)
	for rows.Next() {
		var c model.Camera
		var location, status sql.NullString
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.Name, &c.SiteID, &location, &status, &lat, &lon); err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		c.Location = location.String
		c.Status = status.String
		if lat.Valid && lon.Valid {
			c.Coordinates = &model.Coordinates{Lat: lat.Float64, Lon: lon.Float64}
		}
		cameras = append(cameras, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return cameras, nil
}

// SaveSite implements EventStore.SaveSite
func (s *SQLiteEventStore) SaveSite(ctx context.Context, site *model.Site) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sites (id, name, type, start_date, lat, lon)
		VALUES (?, ?, ?, ?, ?, ?)`,
		site.ID,
		site.Name,
		site.Type,
		nullMillis(site.StartDate),
		site.Lat,
		site.Lon,
	)
	if err != nil {
		return fmt.Errorf("failed to store site: %w", err)
	}
	return nil
}

// GetSite implements EventStore.GetSite
func (s *SQLiteEventStore) GetSite(ctx context.Context, id string) (*model.Site, error) {
	var site model.Site
	var siteType sql.NullString
	var startDate sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, start_date, lat, lon FROM sites WHERE id = ?`, id).Scan(
		&site.ID,
		&site.Name,
		&siteType,
		&startDate,
		&site.Lat,
		&site.Lon,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("site %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get site: %w", err)
	}

	site.Type = siteType.String
	site.StartDate = timePtr(startDate)
	return &site, nil
}

// DeleteEventsBefore implements EventStore.DeleteEventsBefore. Upstream
// alerts older than before are dropped too.
func (s *SQLiteEventStore) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"events", "alerts"} {
		result, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp < ?", toMillis(before))
		if err != nil {
			return total, fmt.Errorf("failed to delete %s: %w", table, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get affected rows: %w", err)
		}
		total += affected
	}

	s.logger.Info("Deleted old events",
		zap.Time("before", before),
		zap.Int64("deleted", total))
	return total, nil
}

// SaveAlert implements EventStore.SaveAlert. Only upstream fields are kept;
// triage state belongs to the alert manager.
func (s *SQLiteEventStore) SaveAlert(ctx context.Context, siteID string, alert *model.Alert) error {
	var evidence sql.NullString
	if len(alert.Evidence) > 0 {
		data, err := json.Marshal(alert.Evidence)
		if err != nil {
			return fmt.Errorf("failed to marshal evidence: %w", err)
		}
		evidence = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (
			id, site_id, type, priority, title, message, location, camera, timestamp, evidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		siteID,
		alert.Type,
		alert.Priority,
		alert.Title,
		alert.Message,
		alert.Location,
		alert.Camera,
		toMillis(alert.Timestamp),
		evidence,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// ListAlerts implements EventStore.ListAlerts
func (s *SQLiteEventStore) ListAlerts(ctx context.Context, siteID string, since time.Time) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, priority, title, message, location, camera, timestamp, evidence
		FROM alerts WHERE site_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC, id`, siteID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*model.Alert, 0)
	for rows.Next() {
		a := &model.Alert{}
		var title, message, location, camera, evidence sql.NullString
		var ts int64
		if err := rows.Scan(&a.ID, &a.Type, &a.Priority, &title, &message, &location, &camera, &ts, &evidence); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		a.Title = title.String
		a.Message = message.String
		a.Location = location.String
		a.Camera = camera.String
		a.SiteID = siteID
		a.Timestamp = fromMillis(ts)
		if evidence.Valid && evidence.String != "" {
			if err := json.Unmarshal([]byte(evidence.String), &a.Evidence); err != nil {
				s.logger.Warn("Ignoring malformed evidence list",
					zap.String("alert_id", a.ID),
					zap.Error(err))
			}
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}
