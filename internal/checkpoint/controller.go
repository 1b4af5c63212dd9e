// Package checkpoint drives a video player through a playback session and
// pauses it exactly once per configured checkpoint.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/reflect-labs/internal/domain"
	"github.com/ashureev/reflect-labs/internal/metrics"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("checkpoint controller closed")

// ManualTopic is the topic used for operator triggers without a topic.
const ManualTopic = "manual checkpoint"

// Player is the narrow capability the controller needs from a video embed.
// Readiness is signalled separately through Controller.Ready.
type Player interface {
	CurrentTime() (float64, error)
	Play() error
	Pause() error
}

// OpenFunc opens a checkpoint session. The session must call done once it
// resolves; later calls are ignored.
type OpenFunc func(cp domain.Checkpoint, done func())

// Config holds controller timing.
type Config struct {
	PollInterval  time.Duration
	ReadyFallback time.Duration
	ResumeDelay   time.Duration
	Epsilon       float64 // proximity tolerance in seconds
}

// DefaultConfig returns the standard playback timing.
func DefaultConfig() Config {
	return Config{
		PollInterval:  500 * time.Millisecond,
		ReadyFallback: 2500 * time.Millisecond,
		ResumeDelay:   800 * time.Millisecond,
		Epsilon:       1.0,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c clock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

type candidate struct {
	cp     domain.Checkpoint
	reason string
}

// Controller owns one player lifetime: its checkpoints, the trigger set and
// the poll loop. All fields are guarded by mu.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock
	logger *slog.Logger
	open   OpenFunc

	player      Player
	checkpoints []domain.Checkpoint
	triggered   map[float64]struct{}
	deferred    []domain.Checkpoint
	previous    float64
	seeded      bool

	lifetime    uint64
	started     bool
	ready       bool
	polling     bool
	gen         uint64 // bumped whenever polling starts or stops
	ticker      ticker
	stopPoll    chan struct{}
	fallback    timer
	resumeTimer timer
	sessionOpen bool
	sessionSeq  uint64
	closed      bool

	wg sync.WaitGroup
}

// New creates a controller for player and checkpoints. Polling begins after
// Start once the player is ready or the readiness fallback fires.
func New(player Player, checkpoints []domain.Checkpoint, open OpenFunc, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ReadyFallback <= 0 {
		cfg.ReadyFallback = defaults.ReadyFallback
	}
	if cfg.ResumeDelay < 0 {
		cfg.ResumeDelay = defaults.ResumeDelay
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = defaults.Epsilon
	}
	if open == nil {
		open = func(_ domain.Checkpoint, done func()) { done() }
	}

	c := &Controller{
		cfg:         cfg,
		clock:       realClock{},
		logger:      logger,
		open:        open,
		player:      player,
		checkpoints: domain.SortCheckpoints(checkpoints),
		triggered:   make(map[float64]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start arms the readiness fallback. If Ready was already signalled, polling
// starts immediately.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.started {
		return
	}
	c.started = true

	if c.ready {
		c.startPollingLocked()
		return
	}

	lifetime := c.lifetime
	c.fallback = c.clock.AfterFunc(c.cfg.ReadyFallback, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.lifetime != lifetime || c.polling {
			return
		}
		c.logger.Warn("[CHECKPOINT] Player readiness not signalled, starting poll loop anyway",
			"fallback", c.cfg.ReadyFallback,
		)
		c.startPollingLocked()
	})
}

// Ready reports that the player embed finished initializing.
func (c *Controller) Ready() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.ready {
		return
	}
	c.ready = true
	if !c.started {
		return
	}
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
	c.startPollingLocked()
}

func (c *Controller) startPollingLocked() {
	if c.closed || c.polling || c.sessionOpen || c.player == nil {
		return
	}

	// Seed previous with the current position so the first tick cannot
	// mistake unmeasured time for a forward seek.
	if t, err := c.player.CurrentTime(); err != nil {
		metrics.RecordPlayerError("time")
		c.logger.Debug("[CHECKPOINT] Could not seed playback position", "error", err)
		c.seeded = false
	} else {
		c.previous = t
		c.seeded = true
	}

	c.polling = true
	c.gen++
	gen := c.gen
	tk := c.clock.NewTicker(c.cfg.PollInterval)
	stop := make(chan struct{})
	c.ticker = tk
	c.stopPoll = stop

	c.wg.Add(1)
	go c.pollLoop(gen, tk, stop)
}

func (c *Controller) stopPollingLocked() {
	if !c.polling {
		return
	}
	c.polling = false
	c.gen++
	c.ticker.Stop()
	close(c.stopPoll)
	c.ticker = nil
	c.stopPoll = nil
}

func (c *Controller) pollLoop(gen uint64, tk ticker, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-tk.C():
			c.tick(gen)
		}
	}
}

// tick runs one detection pass. Ticks from a stopped poll loop are ignored.
func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.player == nil {
		c.mu.Unlock()
		return
	}

	current, err := c.player.CurrentTime()
	if err != nil {
		c.mu.Unlock()
		metrics.RecordPlayerError("time")
		c.logger.Debug("[CHECKPOINT] Failed to read playback position", "error", err)
		return
	}

	if !c.seeded {
		c.previous = current
		c.seeded = true
	}
	if c.sessionOpen {
		c.previous = current
		c.mu.Unlock()
		return
	}

	candidates := c.detectLocked(current)
	c.previous = current
	if len(candidates) == 0 {
		c.mu.Unlock()
		return
	}

	first := candidates[0]
	c.stopPollingLocked()
	if err := c.player.Pause(); err != nil {
		// The checkpoint stays untriggered and deferred so the next tick
		// retries even if playback has already moved past it.
		c.deferred = checkpointsOf(candidates)
		c.startPollingLocked()
		c.mu.Unlock()
		metrics.RecordPlayerError("pause")
		c.logger.Error("[CHECKPOINT] Failed to pause player, checkpoint kept pending",
			"time", first.cp.Time,
			"topic", first.cp.Topic,
			"error", err,
		)
		return
	}

	c.deferred = checkpointsOf(candidates[1:])
	c.triggered[first.cp.Time] = struct{}{}
	done := c.beginSessionLocked()
	open := c.open
	pending := len(c.deferred)
	c.mu.Unlock()

	metrics.RecordTrigger(first.reason)
	c.logger.Info("[CHECKPOINT] Checkpoint triggered",
		"time", first.cp.Time,
		"topic", first.cp.Topic,
		"position", current,
		"reason", first.reason,
		"deferred", pending,
	)
	open(first.cp, done)
}

// detectLocked returns the untriggered checkpoints that qualify at current,
// in ascending time order.
func (c *Controller) detectLocked(current float64) []candidate {
	eps := c.cfg.Epsilon

	pending := make(map[float64]struct{}, len(c.deferred))
	kept := c.deferred[:0]
	for _, cp := range c.deferred {
		// Rewound before it: drop, normal detection will find it again.
		if cp.Time > current+eps {
			continue
		}
		pending[cp.Time] = struct{}{}
		kept = append(kept, cp)
	}
	c.deferred = kept

	var out []candidate
	for _, cp := range c.checkpoints {
		if _, done := c.triggered[cp.Time]; done {
			continue
		}
		switch {
		case math.Abs(current-cp.Time) < eps:
			out = append(out, candidate{cp: cp, reason: metrics.ReasonProximity})
		case c.previous < current && cp.Time > c.previous && cp.Time <= current:
			out = append(out, candidate{cp: cp, reason: metrics.ReasonSkipOver})
		default:
			if _, ok := pending[cp.Time]; ok {
				out = append(out, candidate{cp: cp, reason: metrics.ReasonDeferred})
			}
		}
	}
	return out
}

func checkpointsOf(cs []candidate) []domain.Checkpoint {
	out := make([]domain.Checkpoint, len(cs))
	for i, c := range cs {
		out[i] = c.cp
	}
	return out
}

// beginSessionLocked marks a session open and returns its one-shot done func.
func (c *Controller) beginSessionLocked() func() {
	c.sessionOpen = true
	c.sessionSeq++
	seq, lifetime := c.sessionSeq, c.lifetime

	var once sync.Once
	return func() {
		once.Do(func() { c.resume(seq, lifetime) })
	}
}

func (c *Controller) resume(seq, lifetime uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.lifetime != lifetime || !c.sessionOpen || c.sessionSeq != seq {
		return
	}
	c.sessionOpen = false

	if err := c.player.Play(); err != nil {
		metrics.RecordPlayerError("play")
		c.logger.Error("[CHECKPOINT] Failed to resume player", "error", err)
	}

	// Let the player's own state-change events settle before polling again.
	c.resumeTimer = c.clock.AfterFunc(c.cfg.ResumeDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.lifetime != lifetime {
			return
		}
		c.startPollingLocked()
	})
	c.logger.Info("[CHECKPOINT] Session resolved, playback resumed", "resume_delay", c.cfg.ResumeDelay)
}

// ManualTrigger opens a session immediately for a synthetic checkpoint at
// the current position. It is a no-op returning false while a session is
// open. The synthetic checkpoint is not added to the trigger set.
func (c *Controller) ManualTrigger(topic string) (bool, error) {
	c.mu.Lock()
	if c.closed || c.player == nil {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.sessionOpen {
		c.mu.Unlock()
		return false, nil
	}

	current, err := c.player.CurrentTime()
	if err != nil {
		current = c.previous
	}
	if topic == "" {
		topic = ManualTopic
	}

	wasPolling := c.polling
	c.stopPollingLocked()
	if err := c.player.Pause(); err != nil {
		if wasPolling {
			c.startPollingLocked()
		}
		c.mu.Unlock()
		metrics.RecordPlayerError("pause")
		return false, fmt.Errorf("pause player: %w", err)
	}

	cp := domain.Checkpoint{Time: current, Topic: topic}
	done := c.beginSessionLocked()
	open := c.open
	c.mu.Unlock()

	metrics.RecordTrigger(metrics.ReasonManual)
	c.logger.Info("[CHECKPOINT] Manual checkpoint triggered", "position", current, "topic", topic)
	open(cp, done)
	return true, nil
}

// Replace starts a fresh player lifetime for a new video. The trigger set,
// deferred checkpoints and any open session marker are cleared; Start must
// be called again.
func (c *Controller) Replace(player Player, checkpoints []domain.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.teardownLocked()
	c.lifetime++
	c.player = player
	c.checkpoints = domain.SortCheckpoints(checkpoints)
	c.logger.Info("[CHECKPOINT] Player replaced", "checkpoints", len(c.checkpoints))
	return nil
}

// Close stops polling and timers, releases the player and clears the
// trigger set. It waits for the poll goroutine to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.closed = true
	c.player = nil
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Controller) teardownLocked() {
	c.stopPollingLocked()
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.resumeTimer = nil
	}
	clear(c.triggered)
	c.deferred = nil
	c.sessionOpen = false
	c.started = false
	c.ready = false
	c.seeded = false
	c.previous = 0
}

// Triggered returns the triggered checkpoint times in ascending order.
func (c *Controller) Triggered() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, 0, len(c.triggered))
	for t := range c.triggered {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// SessionOpen reports whether playback is paused for a session.
func (c *Controller) SessionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionOpen
}

// Polling reports whether the poll loop is running.
func (c *Controller) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polling
}
