// Package session implements the question, answer and remediation flow that
// runs while playback is paused at a checkpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/reflect-labs/internal/domain"
	"github.com/ashureev/reflect-labs/internal/metrics"
	"github.com/google/uuid"
)

// State is a step of the checkpoint session.
type State string

// Session states.
const (
	StateLoadingQuestion        State = "loading_question"
	StateAnswering              State = "answering"
	StateEvaluating             State = "evaluating"
	StateResolved               State = "resolved"
	StateFailedNeedsRemediation State = "failed_needs_remediation"
	StateRemediationLoading     State = "remediation_loading"
	StateRemediationExplain     State = "remediation_explain"
	StateRemediationAnswering   State = "remediation_answering"
	StateRemediationEvaluating  State = "remediation_evaluating"
)

// Outcome explains why a session resolved.
type Outcome string

// Session outcomes.
const (
	OutcomeCorrect   Outcome = "correct"
	OutcomeExited    Outcome = "exited"
	OutcomeSkipped   Outcome = "skipped"   // remediation unavailable
	OutcomeExhausted Outcome = "exhausted" // remediation depth reached
)

// Errors returned by session operations.
var (
	ErrEmptyAnswer  = errors.New("answer is empty")
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a request is already in flight")
	ErrInvalidState = errors.New("operation not allowed in current state")
	ErrClosed       = errors.New("session closed")
)

// Degraded collaborator responses.
const (
	EvaluationUnavailable = "Unable to evaluate your answer right now. Please try again."
	ClarifyApology        = "Sorry, I can't answer that right now. You can retry the question or exit."
	fallbackTemplate      = "In your own words, explain what you just learned about %s."
)

// FallbackQuestion is the templated question used when generation fails.
func FallbackQuestion(topic string) domain.Question {
	return domain.Question{Text: fmt.Sprintf(fallbackTemplate, topic), Fallback: true}
}

// Config holds session limits.
type Config struct {
	TranscriptWindow    float64 // seconds of transcript before the checkpoint
	MaxRemediationDepth int     // 0 = unbounded
	CollaboratorTimeout time.Duration
}

// DefaultConfig returns the standard session limits.
func DefaultConfig() Config {
	return Config{
		TranscriptWindow:    120,
		MaxRemediationDepth: 3,
		CollaboratorTimeout: 30 * time.Second,
	}
}

// Params configures a new Session.
type Params struct {
	Checkpoint    domain.Checkpoint
	ChapterID     string
	StudentID     string
	Collaborators Collaborators
	Config        Config
	Logger        *slog.Logger

	// OnChange receives every new snapshot. Snapshots may arrive out of
	// order from concurrent operations; Version orders them.
	OnChange func(Snapshot)
	// OnResolved is called once when the session resolves.
	OnResolved func(Outcome)
}

// Snapshot is the client-visible state of a session.
type Snapshot struct {
	ID          string               `json:"id"`
	Version     uint64               `json:"version"`
	State       State                `json:"state"`
	Checkpoint  domain.Checkpoint    `json:"checkpoint"`
	Question    string               `json:"question,omitempty"`
	Fallback    bool                 `json:"fallback,omitempty"`
	Answer      string               `json:"answer,omitempty"`
	Evaluation  *domain.Evaluation   `json:"evaluation,omitempty"`
	Explanation string               `json:"explanation,omitempty"`
	History     []domain.ChatMessage `json:"history,omitempty"`
	Attempts    int                  `json:"attempts"`
	Depth       int                  `json:"depth"`
	Queued      int                  `json:"queued"`
	Busy        bool                 `json:"busy"`
	Outcome     Outcome              `json:"outcome,omitempty"`
}

// Session is one checkpoint interaction. All methods are safe for
// concurrent use; collaborator calls run without the lock held.
type Session struct {
	mu         sync.Mutex
	id         string
	cp         domain.Checkpoint
	chapterID  string
	studentID  string
	collab     Collaborators
	cfg        Config
	logger     *slog.Logger
	onChange   func(Snapshot)
	onResolved func(Outcome)

	state       State
	alive       bool
	started     bool
	busy        bool
	version     uint64
	transcript  string
	question    domain.Question
	answer      string
	lastWrong   string
	evaluation  *domain.Evaluation
	explanation string
	queue       []domain.Question
	history     []domain.ChatMessage
	attempts    int
	depth       int
	outcome     Outcome
}

// New creates a session in the loading_question state. Call Start to load
// the first question.
func New(p Params) *Session {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := p.Config
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = DefaultConfig().CollaboratorTimeout
	}
	if cfg.TranscriptWindow < 0 {
		cfg.TranscriptWindow = 0
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		cp:         p.Checkpoint,
		chapterID:  p.ChapterID,
		studentID:  p.StudentID,
		collab:     p.Collaborators,
		cfg:        cfg,
		logger:     logger.With("session_id", id),
		onChange:   p.OnChange,
		onResolved: p.OnResolved,
		state:      StateLoadingQuestion,
		alive:      true,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Checkpoint returns the checkpoint the session was opened for.
func (s *Session) Checkpoint() domain.Checkpoint { return s.cp }

// Start loads the transcript window and the first question. It blocks until
// both collaborator calls finish or fall back.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.alive || s.started || s.state != StateLoadingQuestion {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.busy = true
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, "")

	transcript := s.loadTranscript(ctx)
	question := s.generateQuestion(ctx, transcript)

	s.mu.Lock()
	if !s.alive || s.state != StateLoadingQuestion {
		s.mu.Unlock()
		return
	}
	s.transcript = transcript
	s.question = question
	s.busy = false
	s.state = StateAnswering
	snap = s.commitLocked()
	s.mu.Unlock()

	s.logger.Info("[SESSION] Question ready",
		"topic", s.cp.Topic,
		"fallback", question.Fallback,
		"transcript_chars", len(transcript),
	)
	s.notify(snap, "")
}

// SetAnswer stores the working answer.
func (s *Session) SetAnswer(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return ErrClosed
	}
	if s.state != StateAnswering && s.state != StateRemediationAnswering {
		return ErrInvalidState
	}
	s.answer = text
	return nil
}

// Submit evaluates the working answer. A failed evaluation returns the
// session to answering with an "unable to evaluate" verdict.
func (s *Session) Submit(ctx context.Context) error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	answering := s.state
	var evaluating State
	switch answering {
	case StateAnswering:
		evaluating = StateEvaluating
	case StateRemediationAnswering:
		evaluating = StateRemediationEvaluating
	default:
		s.mu.Unlock()
		return ErrInvalidState
	}
	answer := strings.TrimSpace(s.answer)
	if answer == "" {
		s.mu.Unlock()
		return ErrEmptyAnswer
	}

	s.state = evaluating
	s.busy = true
	s.attempts++
	attempt := s.attempts
	remedial := answering == StateRemediationAnswering
	req := EvaluationRequest{
		Topic:           s.cp.Topic,
		Question:        s.question.Text,
		Answer:          answer,
		ReferenceAnswer: s.question.ReferenceAnswer,
	}
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, "")

	eval, err := s.evaluate(ctx, req)

	s.mu.Lock()
	if !s.alive || s.state != evaluating {
		s.mu.Unlock()
		return nil
	}

	if err != nil {
		s.busy = false
		s.attempts--
		s.state = answering
		s.evaluation = &domain.Evaluation{Feedback: EvaluationUnavailable}
		snap = s.commitLocked()
		s.mu.Unlock()

		metrics.RecordEvaluation("error")
		s.logger.Warn("[SESSION] Evaluation failed, answer kept for retry", "error", err)
		s.notify(snap, "")
		return nil
	}

	s.evaluation = &eval
	s.recordMemoryLocked(eval.Correct, attempt, remedial)

	if eval.Correct {
		s.busy = false
		outcome := s.resolveLocked(OutcomeCorrect)
		snap = s.commitLocked()
		s.mu.Unlock()

		metrics.RecordEvaluation("correct")
		s.notify(snap, outcome)
		return nil
	}

	metrics.RecordEvaluation("incorrect")
	s.lastWrong = answer
	if !remedial {
		s.busy = false
		s.state = StateFailedNeedsRemediation
		snap = s.commitLocked()
		s.mu.Unlock()
		s.notify(snap, "")
		return nil
	}

	// Wrong again on a remediation question: explain more simply. busy stays
	// set so nothing else starts a remediation meanwhile.
	s.state = StateRemediationLoading
	snap = s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, "")

	s.runRemediation(ctx)
	return nil
}

// Retry returns a failed session to answering with a cleared answer.
func (s *Session) Retry() error {
	s.mu.Lock()
	if err := s.idleInLocked(StateFailedNeedsRemediation); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateAnswering
	s.answer = ""
	s.evaluation = nil
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, "")
	return nil
}

// Clarify sends a chat message to the clarification assistant. A reply
// flagged ready-to-retry starts remediation.
func (s *Session) Clarify(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if err := s.idleInLocked(StateFailedNeedsRemediation); err != nil {
		s.mu.Unlock()
		return err
	}
	s.history = append(s.history, domain.ChatMessage{Role: domain.RoleUser, Content: message})
	s.busy = true
	req := ClarifyRequest{
		Topic:       s.cp.Topic,
		Question:    s.question.Text,
		WrongAnswer: s.lastWrong,
		History:     slices.Clone(s.history),
	}
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, "")

	reply, err := s.clarify(ctx, req)

	s.mu.Lock()
	if !s.alive || s.state != StateFailedNeedsRemediation {
		s.mu.Unlock()
		return nil
	}
	switch {
	case err != nil:
		metrics.RecordCollaboratorFailure("clarify")
		s.logger.Warn("[SESSION] Clarification failed", "error", err)
		s.history = append(s.history, domain.ChatMessage{Role: domain.RoleAssistant, Content: ClarifyApology})
	case strings.TrimSpace(reply.Message) != "":
		s.history = append(s.history, domain.ChatMessage{Role: domain.RoleAssistant, Content: reply.Message})
	}

	if err == nil && reply.ReadyToRetry {
		s.state = StateRemediationLoading
		snap = s.commitLocked()
		s.mu.Unlock()
		s.notify(snap, "")
		s.runRemediation(ctx)
		return nil
	}

	s.busy = false
	snap = s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, "")
	return nil
}

// Remediate asks for a simpler explanation of the failed question.
func (s *Session) Remediate(ctx context.Context) error {
	s.mu.Lock()
	if err := s.idleInLocked(StateFailedNeedsRemediation); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateRemediationLoading
	s.busy = true
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, "")

	s.runRemediation(ctx)
	return nil
}

// runRemediation expects the session in remediation_loading with busy set.
func (s *Session) runRemediation(ctx context.Context) {
	s.mu.Lock()
	if !s.alive || s.state != StateRemediationLoading {
		s.mu.Unlock()
		return
	}
	if limit := s.cfg.MaxRemediationDepth; limit > 0 && s.depth >= limit {
		s.busy = false
		outcome := s.resolveLocked(OutcomeExhausted)
		snap := s.commitLocked()
		s.mu.Unlock()

		s.logger.Info("[SESSION] Remediation depth reached", "depth", s.depth, "limit", limit)
		s.notify(snap, outcome)
		return
	}
	s.depth++
	req := RemediationRequest{
		Topic:       s.cp.Topic,
		Transcript:  s.transcript,
		Question:    s.question.Text,
		WrongAnswer: s.lastWrong,
		Depth:       s.depth,
	}
	s.mu.Unlock()

	rem, err := s.remediate(ctx, req)

	s.mu.Lock()
	if !s.alive || s.state != StateRemediationLoading {
		s.mu.Unlock()
		return
	}
	s.busy = false

	if err != nil {
		metrics.RecordCollaboratorFailure("remediation")
		var outcome Outcome
		if len(s.queue) > 0 {
			s.state = StateRemediationExplain
		} else {
			outcome = s.resolveLocked(OutcomeSkipped)
		}
		snap := s.commitLocked()
		s.mu.Unlock()

		s.logger.Warn("[SESSION] Remediation failed", "error", err, "queued", snap.Queued, "resolved", outcome != "")
		s.notify(snap, outcome)
		return
	}

	queue := make([]domain.Question, 0, len(rem.Questions)+len(s.queue))
	queue = append(queue, rem.Questions...)
	s.queue = append(queue, s.queue...)
	s.explanation = rem.Explanation
	s.answer = ""
	s.state = StateRemediationExplain
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, "")
}

// Continue moves from the explanation to the next remediation question.
func (s *Session) Continue() error {
	s.mu.Lock()
	if err := s.idleInLocked(StateRemediationExplain); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.question = s.queue[0]
	s.queue = s.queue[1:]
	s.answer = ""
	s.evaluation = nil
	s.state = StateRemediationAnswering
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, "")
	return nil
}

// Exit resolves the session from any non-terminal state. In-flight results
// are discarded.
func (s *Session) Exit() error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateResolved {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.busy = false
	outcome := s.resolveLocked(OutcomeExited)
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap, outcome)
	return nil
}

// Close detaches the session. Results of in-flight calls are dropped and
// no further callbacks run.
func (s *Session) Close() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

// Snapshot returns a copy of the visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) idleInLocked(want State) error {
	switch {
	case !s.alive:
		return ErrClosed
	case s.busy:
		return ErrBusy
	case s.state != want:
		return ErrInvalidState
	}
	return nil
}

func (s *Session) resolveLocked(outcome Outcome) Outcome {
	s.state = StateResolved
	s.outcome = outcome
	metrics.RecordSessionOutcome(string(outcome))
	return outcome
}

func (s *Session) commitLocked() Snapshot {
	s.version++
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:          s.id,
		Version:     s.version,
		State:       s.state,
		Checkpoint:  s.cp,
		Question:    s.question.Text,
		Fallback:    s.question.Fallback,
		Answer:      s.answer,
		Explanation: s.explanation,
		History:     slices.Clone(s.history),
		Attempts:    s.attempts,
		Depth:       s.depth,
		Queued:      len(s.queue),
		Busy:        s.busy,
		Outcome:     s.outcome,
	}
	if s.evaluation != nil {
		eval := *s.evaluation
		snap.Evaluation = &eval
	}
	return snap
}

// notify delivers a snapshot and, when outcome is set, the resolution.
// Nothing is delivered after Close.
func (s *Session) notify(snap Snapshot, outcome Outcome) {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	if !alive {
		return
	}
	if s.onChange != nil {
		s.onChange(snap)
	}
	if outcome != "" {
		s.logger.Info("[SESSION] Session resolved", "topic", s.cp.Topic, "outcome", outcome, "attempts", snap.Attempts)
		if s.onResolved != nil {
			s.onResolved(outcome)
		}
	}
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
}

func (s *Session) loadTranscript(ctx context.Context) string {
	src := s.collab.Transcripts
	if src == nil || s.chapterID == "" {
		return ""
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	start := math.Max(0, s.cp.Time-s.cfg.TranscriptWindow)
	segments, err := src.Window(ctx, s.chapterID, start, s.cp.Time)
	if err != nil {
		metrics.RecordCollaboratorFailure("transcript")
		s.logger.Warn("[SESSION] Transcript unavailable, using topic only", "chapter_id", s.chapterID, "error", err)
		return ""
	}
	return domain.JoinTranscript(segments)
}

func (s *Session) generateQuestion(ctx context.Context, transcript string) domain.Question {
	gen := s.collab.Questions
	if gen == nil {
		return FallbackQuestion(s.cp.Topic)
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	q, err := gen.GenerateQuestion(ctx, QuestionRequest{Topic: s.cp.Topic, Transcript: transcript})
	if err == nil && strings.TrimSpace(q.Text) == "" {
		err = errors.New("empty question")
	}
	if err != nil {
		metrics.RecordCollaboratorFailure("question")
		s.logger.Warn("[SESSION] Question generation failed, using template", "topic", s.cp.Topic, "error", err)
		return FallbackQuestion(s.cp.Topic)
	}
	return q
}

func (s *Session) evaluate(ctx context.Context, req EvaluationRequest) (domain.Evaluation, error) {
	if s.collab.Evaluator == nil {
		return domain.Evaluation{}, ErrUnavailable
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.collab.Evaluator.Evaluate(ctx, req)
}

func (s *Session) remediate(ctx context.Context, req RemediationRequest) (domain.Remediation, error) {
	if s.collab.Remediator == nil {
		return domain.Remediation{}, ErrUnavailable
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	rem, err := s.collab.Remediator.Remediate(ctx, req)
	if err != nil {
		return domain.Remediation{}, err
	}
	if len(rem.Questions) == 0 {
		return domain.Remediation{}, errors.New("remediation returned no questions")
	}
	return rem, nil
}

func (s *Session) clarify(ctx context.Context, req ClarifyRequest) (domain.ClarifyReply, error) {
	if s.collab.Clarifier == nil {
		return domain.ClarifyReply{}, ErrUnavailable
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.collab.Clarifier.Clarify(ctx, req)
}

// recordMemoryLocked reports an evaluation without waiting for the result.
func (s *Session) recordMemoryLocked(correct bool, attempt int, remedial bool) {
	rec := s.collab.Memory
	if rec == nil || s.studentID == "" {
		return
	}
	update := domain.MemoryUpdate{
		ID:         uuid.NewString(),
		StudentID:  s.studentID,
		ChapterID:  s.chapterID,
		Topic:      s.cp.Topic,
		Correct:    correct,
		Attempt:    attempt,
		Remedial:   remedial,
		RecordedAt: time.Now().UTC(),
	}
	timeout := s.cfg.CollaboratorTimeout
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := rec.RecordOutcome(ctx, update); err != nil {
			metrics.RecordCollaboratorFailure("memory")
			logger.Warn("[SESSION] Failed to record memory update", "topic", update.Topic, "error", err)
		}
	}()
}
