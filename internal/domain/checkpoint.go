package domain

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// ErrInvalidCheckpoint is returned when a checkpoint list fails validation.
var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// Checkpoint is a configured timestamp in a video at which playback pauses
// for an interactive question.
type Checkpoint struct {
	Time  float64 `json:"time"`
	Topic string  `json:"topic"`
}

// Validate checks that the checkpoint has a usable time and topic.
func (c Checkpoint) Validate() error {
	if math.IsNaN(c.Time) || math.IsInf(c.Time, 0) || c.Time < 0 {
		return fmt.Errorf("%w: time %v must be a non-negative number", ErrInvalidCheckpoint, c.Time)
	}
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("%w: topic is required at %.1fs", ErrInvalidCheckpoint, c.Time)
	}
	return nil
}

// SortCheckpoints returns a copy of cps ordered by ascending time.
// Checkpoints sharing a time keep their input order.
func SortCheckpoints(cps []Checkpoint) []Checkpoint {
	out := slices.Clone(cps)
	slices.SortStableFunc(out, func(a, b Checkpoint) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
	return out
}

// ChapterCheckpoints is the checkpoint configuration a host page supplies
// for one chapter video.
type ChapterCheckpoints struct {
	ChapterID   string       `json:"chapter_id"`
	VideoID     string       `json:"video_id"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate checks every checkpoint and rejects duplicate times.
func (c *ChapterCheckpoints) Validate() error {
	if strings.TrimSpace(c.ChapterID) == "" {
		return fmt.Errorf("%w: chapter id is required", ErrInvalidCheckpoint)
	}
	seen := make(map[float64]struct{}, len(c.Checkpoints))
	for _, cp := range c.Checkpoints {
		if err := cp.Validate(); err != nil {
			return err
		}
		if _, dup := seen[cp.Time]; dup {
			return fmt.Errorf("%w: duplicate time %.1fs", ErrInvalidCheckpoint, cp.Time)
		}
		seen[cp.Time] = struct{}{}
	}
	return nil
}
