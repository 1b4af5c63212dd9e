// Package transcript fetches chapter transcripts, waits for speech-to-text
// jobs and serves time windows from a local cache.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/reflect-labs/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Errors returned by the fetcher.
var (
	ErrJobFailed  = errors.New("transcript job failed")
	ErrJobTimeout = errors.New("transcript job still processing")
)

// Source is the remote transcript service. FetchTranscript either returns
// ready segments or a processing status with a job id to poll.
type Source interface {
	FetchTranscript(ctx context.Context, chapterID string) (domain.TranscriptResult, error)
	TranscriptJob(ctx context.Context, jobID string) (domain.TranscriptResult, error)
}

// Cache stores complete chapter transcripts.
type Cache interface {
	GetTranscript(ctx context.Context, chapterID string) ([]domain.TranscriptSegment, bool, error)
	PutTranscript(ctx context.Context, chapterID string, segments []domain.TranscriptSegment) error
}

// Config controls job polling.
type Config struct {
	PollInterval time.Duration
	MaxPolls     int
}

// Fetcher serves transcript windows. Concurrent fetches for the same
// chapter share one remote call.
type Fetcher struct {
	source Source
	cache  Cache
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group
}

// NewFetcher creates a fetcher. cache may be nil.
func NewFetcher(source Source, cache Cache, cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 10
	}
	return &Fetcher{source: source, cache: cache, cfg: cfg, logger: logger}
}

// Window returns the segments of chapterID starting within [start, end].
func (f *Fetcher) Window(ctx context.Context, chapterID string, start, end float64) ([]domain.TranscriptSegment, error) {
	segments, err := f.Transcript(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	return domain.WindowSegments(segments, start, end), nil
}

// Transcript returns the full transcript of a chapter, from cache when
// possible.
func (f *Fetcher) Transcript(ctx context.Context, chapterID string) ([]domain.TranscriptSegment, error) {
	if f.cache != nil {
		segments, ok, err := f.cache.GetTranscript(ctx, chapterID)
		if err != nil {
			f.logger.Warn("[TRANSCRIPT] Cache read failed", "chapter_id", chapterID, "error", err)
		} else if ok {
			return segments, nil
		}
	}

	ch := f.group.DoChan(chapterID, func() (interface{}, error) {
		// Detached so one caller giving up does not fail the others.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.budget())
		defer cancel()
		return f.fetch(fetchCtx, chapterID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]domain.TranscriptSegment), nil
	}
}

// budget bounds one shared fetch: the initial request plus every poll.
func (f *Fetcher) budget() time.Duration {
	return f.cfg.PollInterval*time.Duration(f.cfg.MaxPolls+1) + 30*time.Second
}

func (f *Fetcher) fetch(ctx context.Context, chapterID string) ([]domain.TranscriptSegment, error) {
	res, err := f.source.FetchTranscript(ctx, chapterID)
	if err != nil {
		return nil, fmt.Errorf("fetch transcript %s: %w", chapterID, err)
	}

	if res.Status == domain.TranscriptProcessing {
		f.logger.Info("[TRANSCRIPT] Transcript processing, polling job",
			"chapter_id", chapterID,
			"job_id", res.JobID,
			"max_polls", f.cfg.MaxPolls,
		)
		res, err = f.poll(ctx, res.JobID)
		if err != nil {
			return nil, fmt.Errorf("fetch transcript %s: %w", chapterID, err)
		}
	}

	if res.Status != domain.TranscriptReady {
		return nil, fmt.Errorf("fetch transcript %s: %w (status %q)", chapterID, ErrJobFailed, res.Status)
	}

	segments := res.Segments
	if f.cache != nil {
		if err := f.cache.PutTranscript(ctx, chapterID, segments); err != nil {
			f.logger.Warn("[TRANSCRIPT] Cache write failed", "chapter_id", chapterID, "error", err)
		}
	}
	return segments, nil
}

func (f *Fetcher) poll(ctx context.Context, jobID string) (domain.TranscriptResult, error) {
	if jobID == "" {
		return domain.TranscriptResult{}, fmt.Errorf("%w: processing without a job id", ErrJobFailed)
	}

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for i := 0; i < f.cfg.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return domain.TranscriptResult{}, ctx.Err()
		case <-ticker.C:
		}

		res, err := f.source.TranscriptJob(ctx, jobID)
		if err != nil {
			f.logger.Debug("[TRANSCRIPT] Job poll failed", "job_id", jobID, "attempt", i+1, "error", err)
			continue
		}
		switch res.Status {
		case domain.TranscriptReady:
			return res, nil
		case domain.TranscriptFailed:
			return domain.TranscriptResult{}, fmt.Errorf("%w: job %s", ErrJobFailed, jobID)
		}
	}
	return domain.TranscriptResult{}, fmt.Errorf("%w: job %s after %d polls", ErrJobTimeout, jobID, f.cfg.MaxPolls)
}
