// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/reflect-labs/internal/domain"
)

// Repository defines the interface for persisting students, checkpoint
// configuration, cached transcripts and learning memory.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if missing.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetChapterCheckpoints returns the checkpoint list for a chapter.
	// Returns nil, nil if the chapter has none configured.
	GetChapterCheckpoints(ctx context.Context, chapterID string) (*domain.ChapterCheckpoints, error)

	// PutChapterCheckpoints replaces the checkpoint list for a chapter.
	PutChapterCheckpoints(ctx context.Context, cps *domain.ChapterCheckpoints) error

	// GetTranscript returns cached transcript segments for a chapter.
	GetTranscript(ctx context.Context, chapterID string) ([]domain.TranscriptSegment, bool, error)

	// PutTranscript caches the full transcript of a chapter.
	PutTranscript(ctx context.Context, chapterID string, segments []domain.TranscriptSegment) error

	// RecordOutcome stores an evaluation event and updates the topic aggregate.
	RecordOutcome(ctx context.Context, update domain.MemoryUpdate) error

	// ListTopicMemory returns a student's per-topic aggregates, most recent first.
	ListTopicMemory(ctx context.Context, studentID string) ([]domain.TopicMemory, error)

	// CleanupTranscripts removes cached transcripts older than ttl.
	CleanupTranscripts(ctx context.Context, ttl time.Duration) (int64, error)

	// CleanupMemoryEvents removes raw memory events older than ttl.
	// Topic aggregates are kept.
	CleanupMemoryEvents(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
