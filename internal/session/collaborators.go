package session

import (
	"context"
	"errors"

	"github.com/ashureev/reflect-labs/internal/domain"
)

// ErrUnavailable is returned by collaborators that are not configured.
var ErrUnavailable = errors.New("collaborator unavailable")

// QuestionRequest seeds question generation.
type QuestionRequest struct {
	Topic      string
	Transcript string
}

// EvaluationRequest carries an answer to be judged.
type EvaluationRequest struct {
	Topic           string
	Question        string
	Answer          string
	ReferenceAnswer string
}

// RemediationRequest asks for a simpler re-explanation of a failed question.
type RemediationRequest struct {
	Topic       string
	Transcript  string
	Question    string
	WrongAnswer string
	Depth       int
}

// ClarifyRequest is one turn of the clarification chat.
type ClarifyRequest struct {
	Topic       string
	Question    string
	WrongAnswer string
	History     []domain.ChatMessage
}

// TranscriptSource returns the transcript segments of a chapter inside a
// time window.
type TranscriptSource interface {
	Window(ctx context.Context, chapterID string, start, end float64) ([]domain.TranscriptSegment, error)
}

// QuestionGenerator produces a reflection question.
type QuestionGenerator interface {
	GenerateQuestion(ctx context.Context, req QuestionRequest) (domain.Question, error)
}

// Evaluator judges an answer.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (domain.Evaluation, error)
}

// Remediator re-explains a failed question and proposes follow-ups.
type Remediator interface {
	Remediate(ctx context.Context, req RemediationRequest) (domain.Remediation, error)
}

// Clarifier answers free-form questions after a wrong answer.
type Clarifier interface {
	Clarify(ctx context.Context, req ClarifyRequest) (domain.ClarifyReply, error)
}

// MemoryRecorder stores evaluation outcomes for later personalization.
type MemoryRecorder interface {
	RecordOutcome(ctx context.Context, update domain.MemoryUpdate) error
}

// Collaborators bundles the services a session calls. Nil members degrade
// to the same fallbacks used when a call fails.
type Collaborators struct {
	Transcripts TranscriptSource
	Questions   QuestionGenerator
	Evaluator   Evaluator
	Remediator  Remediator
	Clarifier   Clarifier
	Memory      MemoryRecorder
}
