package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/martinsuchenak/sweepd/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLiteJournal implements Journal with a SQLite backend
type SQLiteJournal struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Compile-time interface check
var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens (or creates) the scan journal under dataDir
func NewSQLiteJournal(dataDir string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "scans.db")

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &SQLiteJournal{db: db, path: dbPath}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	_, err = j.db.Exec(string(schema))
	return err
}

// Close closes the database connection
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// CreateScan inserts a newly queued scan
func (j *SQLiteJournal) CreateScan(rec *model.ScanRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO scans (id, target_kind, target_value, state, queued_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, string(rec.TargetKind), rec.TargetValue, string(rec.State), rec.QueuedAt)
	if err != nil {
		return fmt.Errorf("inserting scan: %w", err)
	}
	return nil
}

// SetScanState advances a scan's state machine position
func (j *SQLiteJournal) SetScanState(id string, state model.ScanState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var res sql.Result
	var err error
	if state == model.StateExpanding {
		res, err = j.db.Exec(`UPDATE scans SET state = ?, started_at = ? WHERE id = ?`,
			string(state), time.Now(), id)
	} else {
		res, err = j.db.Exec(`UPDATE scans SET state = ? WHERE id = ?`, string(state), id)
	}
	if err != nil {
		return fmt.Errorf("updating scan state: %w", err)
	}
	return requireRow(res)
}

// CompleteScan marks a scan done or failed with its final summary
func (j *SQLiteJournal) CompleteScan(id string, summary model.Summary, errText string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	state := model.StateDone
	if errText != "" {
		state = model.StateFailed
	}

	res, err := j.db.Exec(`
		UPDATE scans
		SET state = ?, created = ?, updated = ?, unchanged = ?, skipped = ?, failed = ?,
		    error = ?, completed_at = ?
		WHERE id = ?
	`, string(state), summary.Created, summary.Updated, summary.Unchanged, summary.Skipped,
		summary.Failed, errText, time.Now(), id)
	if err != nil {
		return fmt.Errorf("completing scan: %w", err)
	}
	return requireRow(res)
}

// GetScan retrieves a scan by ticket ID
func (j *SQLiteJournal) GetScan(id string) (*model.ScanRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	row := j.db.QueryRow(`
		SELECT id, target_kind, target_value, state, created, updated, unchanged,
		       skipped, failed, error, queued_at, started_at, completed_at
		FROM scans WHERE id = ?
	`, id)

	rec, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying scan: %w", err)
	}
	return rec, nil
}

// ListScans returns the most recently queued scans
func (j *SQLiteJournal) ListScans(limit int) ([]model.ScanRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}

	rows, err := j.db.Query(`
		SELECT id, target_kind, target_value, state, created, updated, unchanged,
		       skipped, failed, error, queued_at, started_at, completed_at
		FROM scans ORDER BY queued_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close()

	var scans []model.ScanRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, *rec)
	}
	return scans, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*model.ScanRecord, error) {
	var rec model.ScanRecord
	var kind, state string
	var started, completed sql.NullTime

	err := row.Scan(&rec.ID, &kind, &rec.TargetValue, &state,
		&rec.Summary.Created, &rec.Summary.Updated, &rec.Summary.Unchanged,
		&rec.Summary.Skipped, &rec.Summary.Failed, &rec.Error,
		&rec.QueuedAt, &started, &completed)
	if err != nil {
		return nil, err
	}

	rec.TargetKind = model.TargetKind(kind)
	rec.State = model.ScanState(state)
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return &rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScanNotFound
	}
	return nil
}
