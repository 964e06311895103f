package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pilapse/internal/align"
)

// Store wraps SQLite-backed persistence for jobs, shots and alignment checks.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS shots (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            path TEXT NOT NULL,
            taken_at TIMESTAMP NOT NULL,
            width INTEGER,
            height INTEGER,
            size_bytes INTEGER,
            flash BOOLEAN DEFAULT FALSE
        );`,
		`CREATE TABLE IF NOT EXISTS alignment_checks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            source TEXT NOT NULL,
            checked_at TIMESTAMP NOT NULL,
            horizontal BOOLEAN NOT NULL,
            left_vertical BOOLEAN NOT NULL,
            right_vertical BOOLEAN NOT NULL,
            detected_y INTEGER,
            expected_y INTEGER,
            left_x INTEGER,
            right_x INTEGER,
            expected_left_x INTEGER,
            expected_right_x INTEGER,
            left_score REAL,
            right_score REAL,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS file_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            file_size INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_shots_taken_at ON shots(taken_at);`,
		`CREATE INDEX IF NOT EXISTS idx_alignment_checks_checked_at ON alignment_checks(checked_at);`,
		`CREATE INDEX IF NOT EXISTS idx_file_events_file_path ON file_events(file_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input"`
	OutputPath  string     `json:"output"`
	OptionsJSON string     `json:"options"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ShotRecord is one saved time-lapse photo.
type ShotRecord struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	TakenAt   time.Time `json:"taken_at"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	SizeBytes int64     `json:"size_bytes"`
	Flash     bool      `json:"flash"`
}

// CheckRecord is one persisted alignment check.
type CheckRecord struct {
	ID             int64     `json:"id"`
	Source         string    `json:"source"`
	CheckedAt      time.Time `json:"checked_at"`
	Horizontal     bool      `json:"horizontal"`
	LeftVertical   bool      `json:"left_vertical"`
	RightVertical  bool      `json:"right_vertical"`
	DetectedY      int       `json:"detected_y"`
	ExpectedY      int       `json:"expected_y"`
	LeftX          int       `json:"left_x"`
	RightX         int       `json:"right_x"`
	ExpectedLeftX  int       `json:"expected_left_x"`
	ExpectedRightX int       `json:"expected_right_x"`
	LeftScore      float64   `json:"left_score"`
	RightScore     float64   `json:"right_score"`
	Error          string    `json:"error,omitempty"`
}

// CheckFromResult flattens an alignment result for storage.
func CheckFromResult(source string, at time.Time, res align.Result, checkErr error) CheckRecord {
	return CheckRecord{
		Source:         source,
		CheckedAt:      at,
		Horizontal:     res.Verdict.Horizontal,
		LeftVertical:   res.Verdict.LeftVertical,
		RightVertical:  res.Verdict.RightVertical,
		DetectedY:      res.Measurement.DetectedY,
		ExpectedY:      res.Expected.Y,
		LeftX:          res.Measurement.LeftCenter.X,
		RightX:         res.Measurement.RightCenter.X,
		ExpectedLeftX:  res.Expected.LeftX,
		ExpectedRightX: res.Expected.RightX,
		LeftScore:      res.Left.Score,
		RightScore:     res.Right.Score,
		Error:          errString(checkErr),
	}
}

// FileEventRecord is a filesystem change seen by the watcher.
type FileEventRecord struct {
	Path      string
	EventType string
	EventTime time.Time
	Size      int64
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if _, err := s.DB.Exec(`UPDATE jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordShot persists a saved photo and returns its row id.
func (s *Store) RecordShot(rec ShotRecord) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.DB.Exec(`INSERT INTO shots (path, taken_at, width, height, size_bytes, flash) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.Path, rec.TakenAt.UTC(), rec.Width, rec.Height, rec.SizeBytes, rec.Flash)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentShots returns the latest shots up to limit, newest first.
func (s *Store) RecentShots(limit int) ([]ShotRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, path, taken_at, width, height, size_bytes, flash FROM shots ORDER BY taken_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ShotRecord
	for rows.Next() {
		var rec ShotRecord
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.TakenAt, &rec.Width, &rec.Height, &rec.SizeBytes, &rec.Flash); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordCheck persists an alignment check.
func (s *Store) RecordCheck(rec CheckRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO alignment_checks (source, checked_at, horizontal, left_vertical, right_vertical, detected_y, expected_y, left_x, right_x, expected_left_x, expected_right_x, left_score, right_score, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Source, rec.CheckedAt.UTC(), rec.Horizontal, rec.LeftVertical, rec.RightVertical,
		rec.DetectedY, rec.ExpectedY, rec.LeftX, rec.RightX, rec.ExpectedLeftX, rec.ExpectedRightX,
		rec.LeftScore, rec.RightScore, rec.Error)
	return err
}

// RecentChecks returns the latest alignment checks up to limit, newest first.
func (s *Store) RecentChecks(limit int) ([]CheckRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, source, checked_at, horizontal, left_vertical, right_vertical, detected_y, expected_y, left_x, right_x, expected_left_x, expected_right_x, left_score, right_score, error_message
        FROM alignment_checks ORDER BY checked_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CheckRecord
	for rows.Next() {
		var rec CheckRecord
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.CheckedAt, &rec.Horizontal, &rec.LeftVertical, &rec.RightVertical,
			&rec.DetectedY, &rec.ExpectedY, &rec.LeftX, &rec.RightX, &rec.ExpectedLeftX, &rec.ExpectedRightX,
			&rec.LeftScore, &rec.RightScore, &errorMsg); err != nil {
			return nil, err
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordFileEvent stores a watcher event.
func (s *Store) RecordFileEvent(rec FileEventRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO file_events (file_path, event_type, event_time, file_size) VALUES (?, ?, ?, ?);`,
		rec.Path, rec.EventType, rec.EventTime.UTC(), rec.Size)
	return err
}

// FileEventCount returns how many events were stored for path.
func (s *Store) FileEventCount(path string) (int, error) {
	if s == nil {
		return 0, errors.New("store not initialized")
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM file_events WHERE file_path=?;`, path).Scan(&n)
	return n, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
