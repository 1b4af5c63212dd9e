// Package playback connects a browser video embed to the checkpoint
// controller over a WebSocket.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Errors reported by the remote player.
var (
	ErrNoPosition    = errors.New("player has not reported a position yet")
	ErrStalePosition = errors.New("player position report is stale")
	ErrPlayerClosed  = errors.New("player connection closed")
)

// messageWriter is the write half of a WebSocket connection.
type messageWriter interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// RemotePlayer implements checkpoint.Player for an embed running in the
// browser. Positions arrive as "time" messages; play and pause are sent
// as commands.
type RemotePlayer struct {
	conn         messageWriter
	writeTimeout time.Duration
	staleAfter   time.Duration
	now          func() time.Time

	writeMu sync.Mutex

	mu         sync.Mutex
	position   float64
	reportedAt time.Time
	closed     bool
}

// NewRemotePlayer wraps a WebSocket connection.
func NewRemotePlayer(conn messageWriter, writeTimeout, staleAfter time.Duration) *RemotePlayer {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &RemotePlayer{
		conn:         conn,
		writeTimeout: writeTimeout,
		staleAfter:   staleAfter,
		now:          time.Now,
	}
}

// Report records a position sample from the browser.
func (p *RemotePlayer) Report(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return fmt.Errorf("invalid position %v", seconds)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = seconds
	p.reportedAt = p.now()
	return nil
}

// Reset forgets the last position, e.g. when a new video is loaded.
func (p *RemotePlayer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = 0
	p.reportedAt = time.Time{}
}

// CurrentTime returns the last reported position.
func (p *RemotePlayer) CurrentTime() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return 0, ErrPlayerClosed
	case p.reportedAt.IsZero():
		return 0, ErrNoPosition
	case p.staleAfter > 0 && p.now().Sub(p.reportedAt) > p.staleAfter:
		return 0, fmt.Errorf("%w: last report %s ago", ErrStalePosition, p.now().Sub(p.reportedAt).Round(time.Millisecond))
	}
	return p.position, nil
}

// Play sends a play command.
func (p *RemotePlayer) Play() error {
	return p.Send(event{Type: eventPlay})
}

// Pause sends a pause command.
func (p *RemotePlayer) Pause() error {
	return p.Send(event{Type: eventPause})
}

// Send writes one JSON event to the browser.
func (p *RemotePlayer) Send(v any) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPlayerClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close marks the player released. Further calls fail with ErrPlayerClosed.
func (p *RemotePlayer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
