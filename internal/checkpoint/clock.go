package checkpoint

import "time"

// clock abstracts timers so tests can drive the poll loop.
type clock interface {
	NewTicker(d time.Duration) ticker
	AfterFunc(d time.Duration, f func()) timer
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) NewTicker(d time.Duration) ticker          { return &realTicker{time.NewTicker(d)} }
func (realClock) AfterFunc(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }

type realTicker struct {
	*time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.Ticker.C }
