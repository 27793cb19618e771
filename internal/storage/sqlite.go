// Package storage persists finished diagrams so they can be fetched by URL
// after the WebSocket response has been delivered.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Load for an unknown id.
var ErrNotFound = errors.New("artifact not found")

// Record is one stored diagram.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	RequestID   string    `json:"requestId"`
	Kind        string    `json:"kind"`
	Method      string    `json:"method"`
	ContentType string    `json:"contentType"`
	Content     string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

var schema = []string{`CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	request_id   TEXT NOT NULL,
	kind         TEXT NOT NULL,
	method       TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content      TEXT NOT NULL,
	created_at   INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id)`,
}

// SQLiteStore keeps artifacts in a SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	baseURL string
	logger  *zap.Logger
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database. URLs returned by Store are rooted at baseURL.
func Open(path, baseURL string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer, and each :memory: connection is its own
	// database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	logger.Named("storage").Info("artifact store ready", zap.String("path", path))
	return &SQLiteStore{
		db:      db,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.Named("storage"),
	}, nil
}

// Store saves rec under a new id and returns its URL.
func (s *SQLiteStore) Store(ctx context.Context, rec Record) (string, error) {
	rec.ID = uuid.New().String()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, session_id, request_id, kind, method, content_type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.RequestID, rec.Kind, rec.Method, rec.ContentType, rec.Content, rec.CreatedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert artifact: %w", err)
	}
	return s.URL(rec.ID), nil
}

// Load returns the artifact with the given id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (Record, error) {
	var rec Record
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, request_id, kind, method, content_type, content, created_at
		 FROM artifacts WHERE id = ?`, id).
		Scan(&rec.ID, &rec.SessionID, &rec.RequestID, &rec.Kind, &rec.Method, &rec.ContentType, &rec.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load artifact: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}

// ListBySession returns metadata (without content) of a session's
// artifacts, newest first.
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, request_id, kind, method, content_type, created_at
		 FROM artifacts WHERE session_id = ? ORDER BY created_at DESC, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var created int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.RequestID, &rec.Kind, &rec.Method, &rec.ContentType, &created); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// URL is the public address of an artifact.
func (s *SQLiteStore) URL(id string) string {
	return s.baseURL + "/artifacts/" + id
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
