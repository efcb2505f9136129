package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// RecordingRecord represents a finished recording
type RecordingRecord struct {
	ID             string
	StartedAt      time.Time
	StoppedAt      time.Time
	ElapsedSeconds int
	SizeBytes      int
	ChunkCount     int
	StopReason     string
	MimeType       string
}

// AssetRecord represents a processed asset
type AssetRecord struct {
	ID           string
	RecordingID  string
	SourceURL    string
	ResultURL    string
	OverlayCount int
	Images       []string
	CreatedAt    time.Time
}

// CollisionRecord represents a collision raised by the detection loop
type CollisionRecord struct {
	ID        int64
	Source    string
	Classes   []string
	Pairs     int
	Timestamp time.Time
}

// ImageRecord is one member of the overlay image pool
type ImageRecord struct {
	ID        string
	URL       string
	CreatedAt time.Time
}

// New creates a new database connection. Pragmas are set through the DSN so
// every pooled connection gets them.
func New(dbPath string) (*Database, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	dsn := dbPath + sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			stopped_at DATETIME NOT NULL,
			elapsed_seconds INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL,
			chunk_count INTEGER NOT NULL,
			stop_reason TEXT NOT NULL,
			mime_type TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			recording_id TEXT NOT NULL,
			source_url TEXT NOT NULL,
			result_url TEXT NOT NULL,
			overlay_count INTEGER NOT NULL,
			images TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (recording_id) REFERENCES recordings(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS collisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			classes TEXT,
			pairs INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS overlay_images (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_time ON recordings(started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_recording ON assets(recording_id)`,
		`CREATE INDEX IF NOT EXISTS idx_collisions_source_time ON collisions(source, timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveRecording saves or updates a recording
func (d *Database) SaveRecording(r *RecordingRecord) error {
	query := `INSERT INTO recordings
		(id, started_at, stopped_at, elapsed_seconds, size_bytes, chunk_count, stop_reason, mime_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stopped_at = excluded.stopped_at,
			elapsed_seconds = excluded.elapsed_seconds,
			size_bytes = excluded.size_bytes,
			chunk_count = excluded.chunk_count,
			stop_reason = excluded.stop_reason`

	_, err := d.db.Exec(query, r.ID, r.StartedAt, r.StoppedAt, r.ElapsedSeconds,
		r.SizeBytes, r.ChunkCount, r.StopReason, r.MimeType)
	if err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}
	return nil
}

const recordingColumns = `id, started_at, stopped_at, elapsed_seconds, size_bytes, chunk_count, stop_reason, mime_type`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecording(s scanner) (*RecordingRecord, error) {
	var r RecordingRecord
	var mime sql.NullString
	if err := s.Scan(&r.ID, &r.StartedAt, &r.StoppedAt, &r.ElapsedSeconds,
		&r.SizeBytes, &r.ChunkCount, &r.StopReason, &mime); err != nil {
		return nil, err
	}
	r.MimeType = mime.String
	return &r, nil
}

// GetRecording retrieves a recording by ID. A missing recording yields nil.
func (d *Database) GetRecording(id string) (*RecordingRecord, error) {
	row := d.db.QueryRow(`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return r, nil
}

// ListRecordings returns the most recent recordings first
func (d *Database) ListRecordings(limit int) ([]*RecordingRecord, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings ORDER BY started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var out []*RecordingRecord
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOldRecordings deletes recordings, and their assets, started before
// the specified time
func (d *Database) DeleteOldRecordings(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM recordings WHERE started_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old recordings: %w", err)
	}
	return result.RowsAffected()
}

// SaveAsset saves a processed asset
func (d *Database) SaveAsset(a *AssetRecord) error {
	images, err := json.Marshal(a.Images)
	if err != nil {
		return fmt.Errorf("failed to marshal images: %w", err)
	}

	query := `INSERT INTO assets (id, recording_id, source_url, result_url, overlay_count, images, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.Exec(query, a.ID, a.RecordingID, a.SourceURL, a.ResultURL,
		a.OverlayCount, string(images), a.CreatedAt); err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

// ListAssets returns the processed assets of a recording, newest first.
// An empty recordingID lists all assets.
func (d *Database) ListAssets(recordingID string, limit int) ([]*AssetRecord, error) {
	query := `SELECT id, recording_id, source_url, result_url, overlay_count, images, created_at
		FROM assets WHERE 1=1`
	args := []interface{}{}

	if recordingID != "" {
		query += " AND recording_id = ?"
		args = append(args, recordingID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var out []*AssetRecord
	for rows.Next() {
		var a AssetRecord
		var images sql.NullString
		if err := rows.Scan(&a.ID, &a.RecordingID, &a.SourceURL, &a.ResultURL,
			&a.OverlayCount, &images, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		if images.Valid && images.String != "" {
			if err := json.Unmarshal([]byte(images.String), &a.Images); err != nil {
				return nil, fmt.Errorf("failed to unmarshal images: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SaveCollision appends a collision record
func (d *Database) SaveCollision(c *CollisionRecord) error {
	classes, err := json.Marshal(c.Classes)
	if err != nil {
		return fmt.Errorf("failed to marshal classes: %w", err)
	}

	result, err := d.db.Exec(`INSERT INTO collisions (source, classes, pairs, timestamp) VALUES (?, ?, ?, ?)`,
		c.Source, string(classes), c.Pairs, c.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save collision: %w", err)
	}
	c.ID, _ = result.LastInsertId()
	return nil
}

// ListCollisions returns collisions with optional filtering, newest first
func (d *Database) ListCollisions(source string, since *time.Time, limit int) ([]*CollisionRecord, error) {
	query := `SELECT id, source, classes, pairs, timestamp FROM collisions WHERE 1=1`
	args := []interface{}{}

	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list collisions: %w", err)
	}
	defer rows.Close()

	var out []*CollisionRecord
	for rows.Next() {
		var c CollisionRecord
		var classes sql.NullString
		if err := rows.Scan(&c.ID, &c.Source, &classes, &c.Pairs, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan collision: %w", err)
		}
		if classes.Valid && classes.String != "" {
			if err := json.Unmarshal([]byte(classes.String), &c.Classes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal classes: %w", err)
			}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteOldCollisions deletes collisions older than the specified time
func (d *Database) DeleteOldCollisions(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM collisions WHERE timestamp < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old collisions: %w", err)
	}
	return result.RowsAffected()
}

// SaveImage adds an image to the overlay pool. Re-adding a URL is a no-op.
func (d *Database) SaveImage(img *ImageRecord) error {
	query := `INSERT INTO overlay_images (id, url, created_at) VALUES (?, ?, ?)
		ON CONFLICT(url) DO NOTHING`
	if _, err := d.db.Exec(query, img.ID, img.URL, img.CreatedAt); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return nil
}

// ListImages returns the overlay pool, oldest first
func (d *Database) ListImages() ([]*ImageRecord, error) {
	rows, err := d.db.Query("SELECT id, url, created_at FROM overlay_images ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var out []*ImageRecord
	for rows.Next() {
		var img ImageRecord
		if err := rows.Scan(&img.ID, &img.URL, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

// DeleteImage removes an image from the overlay pool
func (d *Database) DeleteImage(id string) error {
	if _, err := d.db.Exec("DELETE FROM overlay_images WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	return nil
}
