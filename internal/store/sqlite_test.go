package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/reflect-labs/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "reflect.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUser(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil user for missing id, got %v, %v", got, err)
	}

	now := time.Unix(1_700_000_000, 0)
	user := &domain.User{UserID: "u1", Username: "guest", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	later := now.Add(time.Hour)
	if err := s.UpdateLastSeen(ctx, "u1", later); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}

	got, err = s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Username != "guest" || !got.LastSeenAt.Equal(later) {
		t.Errorf("unexpected user %+v", got)
	}
}

func TestChapterCheckpointsSortedOnWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &domain.ChapterCheckpoints{
		ChapterID: "ch-1",
		VideoID:   "dQw4w9WgXcQ",
		Checkpoints: []domain.Checkpoint{
			{Time: 90, Topic: "functions"},
			{Time: 30, Topic: "variables"},
		},
	}
	if err := s.PutChapterCheckpoints(ctx, in); err != nil {
		t.Fatalf("PutChapterCheckpoints failed: %v", err)
	}

	got, err := s.GetChapterCheckpoints(ctx, "ch-1")
	if err != nil {
		t.Fatalf("GetChapterCheckpoints failed: %v", err)
	}
	if got.VideoID != "dQw4w9WgXcQ" || len(got.Checkpoints) != 2 {
		t.Fatalf("unexpected checkpoints %+v", got)
	}
	if got.Checkpoints[0].Time != 30 || got.Checkpoints[1].Time != 90 {
		t.Errorf("expected ascending times, got %+v", got.Checkpoints)
	}

	missing, err := s.GetChapterCheckpoints(ctx, "ch-2")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown chapter, got %v, %v", missing, err)
	}
}

func TestPutChapterCheckpointsRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	err := s.PutChapterCheckpoints(context.Background(), &domain.ChapterCheckpoints{
		ChapterID:   "ch-1",
		Checkpoints: []domain.Checkpoint{{Time: 30, Topic: "a"}, {Time: 30, Topic: "b"}},
	})
	if !errors.Is(err, domain.ErrInvalidCheckpoint) {
		t.Fatalf("expected ErrInvalidCheckpoint, got %v", err)
	}
}

func TestTranscriptCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetTranscript(ctx, "ch-1"); err != nil || ok {
		t.Fatalf("expected cache miss, got ok=%v err=%v", ok, err)
	}

	segs := []domain.TranscriptSegment{{Start: 0, Text: "hello"}, {Start: 4.5, Text: "world"}}
	if err := s.PutTranscript(ctx, "ch-1", segs); err != nil {
		t.Fatalf("PutTranscript failed: %v", err)
	}
	got, ok, err := s.GetTranscript(ctx, "ch-1")
	if err != nil || !ok {
		t.Fatalf("expected cache hit, got ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[1].Text != "world" {
		t.Errorf("unexpected segments %+v", got)
	}

	n, err := s.CleanupTranscripts(ctx, -time.Hour)
	if err != nil || n != 1 {
		t.Errorf("expected 1 transcript removed, got %d, %v", n, err)
	}
}

func TestRecordOutcomeAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	updates := []domain.MemoryUpdate{
		{ID: "e1", StudentID: "u1", Topic: "loops", Correct: false, Attempt: 1},
		{ID: "e2", StudentID: "u1", Topic: "loops", Correct: true, Attempt: 2},
		{ID: "e2", StudentID: "u1", Topic: "loops", Correct: true, Attempt: 2}, // replay
		{ID: "e3", StudentID: "u1", Topic: "arrays", Correct: true, Attempt: 1},
		{ID: "e4", StudentID: "u2", Topic: "loops", Correct: false, Attempt: 1},
	}
	for _, u := range updates {
		if err := s.RecordOutcome(ctx, u); err != nil {
			t.Fatalf("RecordOutcome(%s) failed: %v", u.ID, err)
		}
	}

	mem, err := s.ListTopicMemory(ctx, "u1")
	if err != nil {
		t.Fatalf("ListTopicMemory failed: %v", err)
	}
	if len(mem) != 2 {
		t.Fatalf("expected 2 topics, got %+v", mem)
	}
	byTopic := map[string]domain.TopicMemory{}
	for _, m := range mem {
		byTopic[m.Topic] = m
	}
	loops := byTopic["loops"]
	if loops.Attempts != 2 || loops.CorrectCount != 1 || !loops.LastCorrect {
		t.Errorf("unexpected loops aggregate %+v", loops)
	}
	if loops.Accuracy() != 0.5 {
		t.Errorf("expected accuracy 0.5, got %v", loops.Accuracy())
	}

	n, err := s.CleanupMemoryEvents(ctx, -time.Hour)
	if err != nil || n != 4 {
		t.Errorf("expected 4 events removed, got %d, %v", n, err)
	}
	mem, _ = s.ListTopicMemory(ctx, "u1")
	if len(mem) != 2 {
		t.Errorf("aggregates must survive event cleanup, got %d", len(mem))
	}
}

func TestRecordOutcomeRequiresKeys(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordOutcome(context.Background(), domain.MemoryUpdate{StudentID: "u1", Topic: "x"}); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
