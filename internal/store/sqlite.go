package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/reflect-labs/internal/domain"
	"github.com/ashureev/reflect-labs/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	memory  sync.Mutex // serializes memory writes to avoid SQLITE_BUSY
	retries int
	backoff time.Duration
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retries: 3, backoff: 100 * time.Millisecond}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chapter_checkpoints (
		chapter_id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL DEFAULT '',
		checkpoints_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcript_cache (
		chapter_id TEXT PRIMARY KEY,
		segments_json TEXT NOT NULL,
		fetched_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_fetched ON transcript_cache(fetched_at);

	CREATE TABLE IF NOT EXISTS memory_events (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		chapter_id TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL,
		correct INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		remedial INTEGER NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_events_recorded ON memory_events(recorded_at);

	CREATE TABLE IF NOT EXISTS topic_memory (
		student_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		correct_count INTEGER NOT NULL,
		last_correct INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (student_id, topic)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetChapterCheckpoints returns the checkpoint list for a chapter.
func (s *SQLiteStore) GetChapterCheckpoints(ctx context.Context, chapterID string) (*domain.ChapterCheckpoints, error) {
	query := `SELECT chapter_id, video_id, checkpoints_json, updated_at FROM chapter_checkpoints WHERE chapter_id = ?`

	var cps domain.ChapterCheckpoints
	var raw string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, chapterID).Scan(&cps.ChapterID, &cps.VideoID, &raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chapter checkpoints: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &cps.Checkpoints); err != nil {
		return nil, fmt.Errorf("decode checkpoints for %s: %w", chapterID, err)
	}
	cps.UpdatedAt = time.Unix(updatedAt, 0)
	return &cps, nil
}

// PutChapterCheckpoints replaces the checkpoint list for a chapter.
func (s *SQLiteStore) PutChapterCheckpoints(ctx context.Context, cps *domain.ChapterCheckpoints) error {
	if err := cps.Validate(); err != nil {
		return err
	}
	sorted := domain.SortCheckpoints(cps.Checkpoints)
	if sorted == nil {
		sorted = []domain.Checkpoint{}
	}
	raw, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	if cps.UpdatedAt.IsZero() {
		cps.UpdatedAt = time.Now()
	}

	query := `
	INSERT INTO chapter_checkpoints (chapter_id, video_id, checkpoints_json, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(chapter_id) DO UPDATE SET
		video_id = excluded.video_id,
		checkpoints_json = excluded.checkpoints_json,
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "put chapter checkpoints", func() error {
		_, err := s.db.ExecContext(ctx, query, cps.ChapterID, cps.VideoID, string(raw), cps.UpdatedAt.Unix())
		return err
	})
}

// GetTranscript returns cached transcript segments for a chapter.
func (s *SQLiteStore) GetTranscript(ctx context.Context, chapterID string) ([]domain.TranscriptSegment, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT segments_json FROM transcript_cache WHERE chapter_id = ?`, chapterID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan transcript cache: %w", err)
	}

	var segments []domain.TranscriptSegment
	if err := json.Unmarshal([]byte(raw), &segments); err != nil {
		return nil, false, fmt.Errorf("decode transcript for %s: %w", chapterID, err)
	}
	return segments, true, nil
}

// PutTranscript caches the full transcript of a chapter.
func (s *SQLiteStore) PutTranscript(ctx context.Context, chapterID string, segments []domain.TranscriptSegment) error {
	if segments == nil {
		segments = []domain.TranscriptSegment{}
	}
	raw, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	query := `
	INSERT INTO transcript_cache (chapter_id, segments_json, fetched_at)
	VALUES (?, ?, ?)
	ON CONFLICT(chapter_id) DO UPDATE SET
		segments_json = excluded.segments_json,
		fetched_at = excluded.fetched_at`

	return s.withRetry(ctx, "put transcript", func() error {
		_, err := s.db.ExecContext(ctx, query, chapterID, string(raw), time.Now().Unix())
		return err
	})
}

// RecordOutcome stores an evaluation event and folds it into the topic
// aggregate. Events are keyed by id; replaying one is a no-op.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, update domain.MemoryUpdate) error {
	if update.ID == "" || update.StudentID == "" || update.Topic == "" {
		return fmt.Errorf("memory update requires id, student and topic")
	}
	if update.RecordedAt.IsZero() {
		update.RecordedAt = time.Now()
	}

	s.memory.Lock()
	defer s.memory.Unlock()

	return s.withRetry(ctx, "record outcome", func() error {
		return s.recordOutcomeOnce(ctx, update)
	})
}

func (s *SQLiteStore) recordOutcomeOnce(ctx context.Context, update domain.MemoryUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_events (id, student_id, chapter_id, topic, correct, attempt, remedial, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		update.ID, update.StudentID, update.ChapterID, update.Topic,
		boolToInt(update.Correct), update.Attempt, boolToInt(update.Remedial), update.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert memory event: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO topic_memory (student_id, topic, attempts, correct_count, last_correct, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(student_id, topic) DO UPDATE SET
			attempts = topic_memory.attempts + 1,
			correct_count = topic_memory.correct_count + excluded.correct_count,
			last_correct = excluded.last_correct,
			updated_at = excluded.updated_at`,
		update.StudentID, update.Topic,
		boolToInt(update.Correct), boolToInt(update.Correct), update.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("update topic memory: %w", err)
	}
	return tx.Commit()
}

// ListTopicMemory returns a student's per-topic aggregates, most recent first.
func (s *SQLiteStore) ListTopicMemory(ctx context.Context, studentID string) ([]domain.TopicMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT student_id, topic, attempts, correct_count, last_correct, updated_at
		FROM topic_memory WHERE student_id = ?
		ORDER BY updated_at DESC, topic ASC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("query topic memory: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close topic memory rows", "error", closeErr)
		}
	}()

	var out []domain.TopicMemory
	for rows.Next() {
		var m domain.TopicMemory
		var lastCorrect int
		var updatedAt int64
		if err := rows.Scan(&m.StudentID, &m.Topic, &m.Attempts, &m.CorrectCount, &lastCorrect, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan topic memory row: %w", err)
		}
		m.LastCorrect = lastCorrect != 0
		m.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topic memory: %w", err)
	}
	return out, nil
}

// CleanupTranscripts removes cached transcripts older than ttl.
func (s *SQLiteStore) CleanupTranscripts(ctx context.Context, ttl time.Duration) (int64, error) {
	return s.deleteOlderThan(ctx, `DELETE FROM transcript_cache WHERE fetched_at < ?`, ttl)
}

// CleanupMemoryEvents removes raw memory events older than ttl.
func (s *SQLiteStore) CleanupMemoryEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	s.memory.Lock()
	defer s.memory.Unlock()
	return s.deleteOlderThan(ctx, `DELETE FROM memory_events WHERE recorded_at < ?`, ttl)
}

func (s *SQLiteStore) deleteOlderThan(ctx context.Context, query string, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var deleted int64
	err := s.withRetry(ctx, "cleanup", func() error {
		result, err := s.db.ExecContext(ctx, query, threshold)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// withRetry runs fn, retrying SQLite lock conflicts with exponential backoff.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < s.retries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == s.retries-1 {
			break
		}

		delay := s.backoff * time.Duration(1<<i) // 100ms, 200ms, 400ms
		slog.Debug("SQLite write hit a lock, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
