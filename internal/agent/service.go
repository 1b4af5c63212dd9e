package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/reflect-labs/internal/domain"
	"github.com/ashureev/reflect-labs/internal/session"
	"github.com/ashureev/reflect-labs/internal/transcript"
)

var (
	errEmptyQuestion    = errors.New("agent returned an empty question")
	errEmptyRemediation = errors.New("agent returned no follow-up question")
)

// Service adapts a Processor to the session collaborator interfaces and
// normalizes agent responses.
type Service struct {
	processor Processor
	logger    *slog.Logger
}

// NewServiceWithProcessor creates a new agent service with a custom processor.
func NewServiceWithProcessor(processor Processor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{processor: processor, logger: logger}
}

// Ensure Service satisfies every remote collaborator.
var (
	_ session.QuestionGenerator = (*Service)(nil)
	_ session.Evaluator         = (*Service)(nil)
	_ session.Remediator        = (*Service)(nil)
	_ session.Clarifier         = (*Service)(nil)
	_ transcript.Source         = (*Service)(nil)
)

// GenerateQuestion produces a reflection question.
func (s *Service) GenerateQuestion(ctx context.Context, req session.QuestionRequest) (domain.Question, error) {
	defer s.trace("GenerateQuestion", time.Now())
	q, err := s.processor.GenerateQuestion(ctx, QuestionRequest{Topic: req.Topic, Transcript: req.Transcript})
	if err != nil {
		return domain.Question{}, err
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return domain.Question{}, errEmptyQuestion
	}
	return q, nil
}

// Evaluate judges an answer.
func (s *Service) Evaluate(ctx context.Context, req session.EvaluationRequest) (domain.Evaluation, error) {
	defer s.trace("EvaluateAnswer", time.Now())
	return s.processor.EvaluateAnswer(ctx, EvaluationRequest{
		Topic:           req.Topic,
		Question:        req.Question,
		Answer:          req.Answer,
		ReferenceAnswer: req.ReferenceAnswer,
	})
}

// Remediate returns an explanation plus at least one follow-up question.
func (s *Service) Remediate(ctx context.Context, req session.RemediationRequest) (domain.Remediation, error) {
	defer s.trace("Remediate", time.Now())
	resp, err := s.processor.Remediate(ctx, RemediationRequest{
		Topic:       req.Topic,
		Transcript:  req.Transcript,
		Question:    req.Question,
		WrongAnswer: req.WrongAnswer,
		Depth:       req.Depth,
	})
	if err != nil {
		return domain.Remediation{}, err
	}

	candidates := resp.Questions
	if resp.NewQuestion != nil {
		candidates = append([]domain.Question{*resp.NewQuestion}, candidates...)
	}
	rem := domain.Remediation{Explanation: strings.TrimSpace(resp.Explanation)}
	for _, q := range candidates {
		q.Text = strings.TrimSpace(q.Text)
		if q.Text != "" {
			rem.Questions = append(rem.Questions, q)
		}
	}
	if len(rem.Questions) == 0 {
		return domain.Remediation{}, errEmptyRemediation
	}
	return rem, nil
}

// Clarify collects the streamed assistant reply.
func (s *Service) Clarify(ctx context.Context, req session.ClarifyRequest) (domain.ClarifyReply, error) {
	defer s.trace("Clarify", time.Now())
	return collectClarify(s.processor.Clarify(ctx, ClarifyRequest{
		Topic:       req.Topic,
		Question:    req.Question,
		WrongAnswer: req.WrongAnswer,
		History:     req.History,
	}))
}

// FetchTranscript requests a chapter transcript.
func (s *Service) FetchTranscript(ctx context.Context, chapterID string) (domain.TranscriptResult, error) {
	res, err := s.processor.FetchTranscript(ctx, chapterID)
	return normalizeTranscript(res), err
}

// TranscriptJob polls a transcript job.
func (s *Service) TranscriptJob(ctx context.Context, jobID string) (domain.TranscriptResult, error) {
	res, err := s.processor.TranscriptJob(ctx, jobID)
	return normalizeTranscript(res), err
}

// Close releases resources.
func (s *Service) Close() {
	if s.processor != nil {
		s.processor.Close()
	}
}

// normalizeTranscript treats a status-less response carrying segments as ready.
func normalizeTranscript(res domain.TranscriptResult) domain.TranscriptResult {
	if res.Status == "" && len(res.Segments) > 0 {
		res.Status = domain.TranscriptReady
	}
	return res
}

func (s *Service) trace(method string, start time.Time) {
	s.logger.Debug("[AGENT] Call finished", "method", method, "duration", time.Since(start))
}
