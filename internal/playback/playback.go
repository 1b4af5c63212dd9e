package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/reflect-labs/internal/checkpoint"
	"github.com/ashureev/reflect-labs/internal/domain"
	"github.com/ashureev/reflect-labs/internal/session"
	"golang.org/x/time/rate"
)

// Client message types.
const (
	msgReady     = "ready"
	msgTime      = "time"
	msgAnswer    = "answer"
	msgRetry     = "retry"
	msgClarify   = "clarify"
	msgRemediate = "remediate"
	msgContinue  = "continue"
	msgExit      = "exit"
	msgTrigger   = "trigger"
	msgLoad      = "load"
	msgPing      = "ping"
)

// Server event types.
const (
	eventPlay      = "play"
	eventPause     = "pause"
	eventSession   = "session"
	eventCompleted = "completed"
	eventLoaded    = "loaded"
	eventError     = "error"
	eventPong      = "pong"
)

var (
	errNoSession    = errors.New("no checkpoint session is open")
	errRateLimited  = errors.New("too many clarify messages, slow down")
	errUnknownType  = errors.New("unknown message type")
	errMissingField = errors.New("missing required field")
)

// inbound is a message from the browser.
type inbound struct {
	Type        string   `json:"type"`
	CurrentTime *float64 `json:"current_time,omitempty"`
	Content     string   `json:"content,omitempty"` // answer text or clarify message
	Topic       string   `json:"topic,omitempty"`
	ChapterID   string   `json:"chapter_id,omitempty"`
	VideoID     string   `json:"video_id,omitempty"`
}

// event is a message to the browser.
type event struct {
	Type        string              `json:"type"`
	Session     *session.Snapshot   `json:"session,omitempty"`
	Time        *float64            `json:"time,omitempty"`
	Outcome     session.Outcome     `json:"outcome,omitempty"`
	ChapterID   string              `json:"chapter_id,omitempty"`
	Checkpoints []domain.Checkpoint `json:"checkpoints,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// CheckpointSource loads the checkpoint configuration of a chapter.
type CheckpointSource interface {
	GetChapterCheckpoints(ctx context.Context, chapterID string) (*domain.ChapterCheckpoints, error)
}

// Config holds the per-tab playback settings.
type Config struct {
	Checkpoint       checkpoint.Config
	Session          session.Config
	ClarifyPerMinute int
	StaleAfter       time.Duration // max age of a position report
	WriteTimeout     time.Duration
}

// DefaultConfig returns the standard playback settings.
func DefaultConfig() Config {
	return Config{
		Checkpoint:       checkpoint.DefaultConfig(),
		Session:          session.DefaultConfig(),
		ClarifyPerMinute: 10,
		StaleAfter:       5 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Playback is one browser tab: a remote player, its checkpoint controller
// and the session currently open on it.
type Playback struct {
	userID string
	tabID  string
	cfg    Config
	collab session.Collaborators
	source CheckpointSource
	logger *slog.Logger

	player  *RemotePlayer
	ctrl    *checkpoint.Controller
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	chapterID string
	current   *session.Session
	closed    bool
}

// New creates a playback for a connection. Load must be called (directly
// or through a "load" message) before checkpoints can trigger.
func New(conn messageWriter, userID, tabID string, source CheckpointSource, collab session.Collaborators, cfg Config, logger *slog.Logger) *Playback {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClarifyPerMinute <= 0 {
		cfg.ClarifyPerMinute = DefaultConfig().ClarifyPerMinute
	}
	logger = logger.With("user_id", userID, "tab_id", tabID)
	ctx, cancel := context.WithCancel(context.Background())

	p := &Playback{
		userID:  userID,
		tabID:   tabID,
		cfg:     cfg,
		collab:  collab,
		source:  source,
		logger:  logger,
		player:  NewRemotePlayer(conn, cfg.WriteTimeout, cfg.StaleAfter),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.ClarifyPerMinute)/60), cfg.ClarifyPerMinute),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.ctrl = checkpoint.New(p.player, nil, p.openSession, cfg.Checkpoint, logger)
	return p
}

// UserID returns the owning user.
func (p *Playback) UserID() string { return p.userID }

// TabID returns the browser tab id.
func (p *Playback) TabID() string { return p.tabID }

// Load switches the tab to a chapter. Any open session is discarded and
// the trigger set starts empty.
func (p *Playback) Load(ctx context.Context, chapterID string) error {
	if chapterID == "" {
		return fmt.Errorf("%w: chapter_id", errMissingField)
	}

	var cps []domain.Checkpoint
	if p.source != nil {
		cfg, err := p.source.GetChapterCheckpoints(ctx, chapterID)
		if err != nil {
			return fmt.Errorf("load checkpoints: %w", err)
		}
		if cfg != nil {
			cps = cfg.Checkpoints
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return checkpoint.ErrClosed
	}
	if p.current != nil {
		p.current.Close()
		p.current = nil
	}
	p.chapterID = chapterID
	p.mu.Unlock()

	p.player.Reset()
	if err := p.ctrl.Replace(p.player, cps); err != nil {
		return err
	}
	p.ctrl.Start()

	p.logger.Info("[PLAYBACK] Chapter loaded", "chapter_id", chapterID, "checkpoints", len(cps))
	return p.player.Send(event{Type: eventLoaded, ChapterID: chapterID, Checkpoints: domain.SortCheckpoints(cps)})
}

// Trigger opens a manual checkpoint at the current position. It returns
// false when a session is already open.
func (p *Playback) Trigger(topic string) (bool, error) {
	return p.ctrl.ManualTrigger(topic)
}

// Handle dispatches one raw client message.
func (p *Playback) Handle(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.sendError(fmt.Errorf("decode message: %w", err))
		return
	}
	if err := p.dispatch(msg); err != nil {
		p.logger.Debug("[PLAYBACK] Message rejected", "type", msg.Type, "error", err)
		p.sendError(err)
	}
}

func (p *Playback) dispatch(msg inbound) error {
	switch msg.Type {
	case msgReady:
		p.ctrl.Ready()
		return nil
	case msgTime:
		if msg.CurrentTime == nil {
			return fmt.Errorf("%w: current_time", errMissingField)
		}
		return p.player.Report(*msg.CurrentTime)
	case msgPing:
		return p.player.Send(event{Type: eventPong})
	case msgLoad:
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.WriteTimeout)
		defer cancel()
		return p.Load(ctx, msg.ChapterID)
	case msgTrigger:
		_, err := p.Trigger(msg.Topic)
		return err
	}

	s := p.session()
	if s == nil {
		if _, ok := sessionMessages[msg.Type]; ok {
			return errNoSession
		}
		return fmt.Errorf("%w %q", errUnknownType, msg.Type)
	}

	switch msg.Type {
	case msgAnswer:
		if err := s.SetAnswer(msg.Content); err != nil {
			return err
		}
		p.goSession(func(ctx context.Context) error { return s.Submit(ctx) })
		return nil
	case msgRetry:
		return s.Retry()
	case msgClarify:
		if !p.limiter.Allow() {
			return errRateLimited
		}
		message := msg.Content
		p.goSession(func(ctx context.Context) error { return s.Clarify(ctx, message) })
		return nil
	case msgRemediate:
		p.goSession(func(ctx context.Context) error { return s.Remediate(ctx) })
		return nil
	case msgContinue:
		return s.Continue()
	case msgExit:
		return s.Exit()
	}
	return fmt.Errorf("%w %q", errUnknownType, msg.Type)
}

var sessionMessages = map[string]struct{}{
	msgAnswer:    {},
	msgRetry:     {},
	msgClarify:   {},
	msgRemediate: {},
	msgContinue:  {},
	msgExit:      {},
}

// goSession runs a blocking session operation off the read loop and
// reports its error to the browser.
func (p *Playback) goSession(fn func(ctx context.Context) error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		if err := fn(p.ctx); err != nil {
			p.sendError(err)
		}
	}()
}

func (p *Playback) session() *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// openSession is the controller's OpenFunc. It must not block the poll loop.
func (p *Playback) openSession(cp domain.Checkpoint, done func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		done()
		return
	}
	var s *session.Session
	s = session.New(session.Params{
		Checkpoint:    cp,
		ChapterID:     p.chapterID,
		StudentID:     p.userID,
		Collaborators: p.collab,
		Config:        p.cfg.Session,
		Logger:        p.logger,
		OnChange: func(snap session.Snapshot) {
			if err := p.player.Send(event{Type: eventSession, Session: &snap}); err != nil {
				p.logger.Debug("[PLAYBACK] Failed to send session snapshot", "error", err)
			}
		},
		OnResolved: func(outcome session.Outcome) {
			p.finish(s, cp, outcome, done)
		},
	})
	if p.current != nil {
		p.current.Close()
	}
	p.current = s
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		s.Start(p.ctx)
	}()
}

// finish reports a resolved session to the browser and hands playback back
// to the controller.
func (p *Playback) finish(s *session.Session, cp domain.Checkpoint, outcome session.Outcome, done func()) {
	p.mu.Lock()
	if p.current == s {
		p.current = nil
	}
	p.mu.Unlock()

	at := cp.Time
	if err := p.player.Send(event{Type: eventCompleted, Time: &at, Outcome: outcome}); err != nil {
		p.logger.Debug("[PLAYBACK] Failed to send completion", "error", err)
	}
	done()
}

func (p *Playback) sendError(err error) {
	if sendErr := p.player.Send(event{Type: eventError, Error: err.Error()}); sendErr != nil {
		p.logger.Debug("[PLAYBACK] Failed to send error", "error", sendErr)
	}
}

// Close tears down the controller and any open session and waits for
// in-flight session work to stop.
func (p *Playback) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.current != nil {
		p.current.Close()
		p.current = nil
	}
	p.mu.Unlock()

	p.cancel()
	p.ctrl.Close()
	p.wg.Wait()
	p.player.Close()
	p.logger.Info("[PLAYBACK] Playback closed")
}
