package audio

import (
	"context"
	"sync"
	"time"
)

const PreBufferFrames = 3

// Pacer schedules opus frames at the device playback rate. The first
// min(3, n) frames go out immediately to fill the device jitter buffer;
// the rest are released against an absolute schedule so encoding jitter
// never accumulates into drift. The schedule restarts whenever the
// queue had been idle: pacing against a stale schedule would find every
// frame past due and blast the whole reply out in one burst.
type Pacer struct {
	mu            sync.Mutex
	frameDuration time.Duration
	start         time.Time
	sent          int
}

func NewPacer() *Pacer {
	return &Pacer{frameDuration: FrameDurationMs * time.Millisecond}
}

// Send delivers frames through emit, returning early if ctx is
// cancelled or stop reports true. stop is re-checked before every frame
// so an abort is observed within the pre-buffer window.
func (p *Pacer) Send(ctx context.Context, frames [][]byte, stop func() bool, emit func([]byte) error) error {
	for _, frame := range frames {
		if stop != nil && stop() {
			return nil
		}

		if wait := p.reserve(); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := emit(frame); err != nil {
			return err
		}
	}

	return nil
}

// reserve claims the next frame slot and returns how long to sleep
// before sending it. Falling more than one frame period behind the tail
// of the schedule means the queue had been idle, so the schedule and
// the pre-buffer allowance start over.
func (p *Pacer) reserve() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.start.IsZero() || now.Sub(p.tail()) > p.frameDuration {
		p.start = now
		p.sent = 0
	}

	var wait time.Duration
	if p.sent >= PreBufferFrames {
		due := p.start.Add(time.Duration(p.sent-PreBufferFrames+1) * p.frameDuration)
		wait = due.Sub(now)
	}
	p.sent++
	return wait
}

// tail is when the last reserved frame was due. Callers hold p.mu.
func (p *Pacer) tail() time.Time {
	if p.sent <= PreBufferFrames {
		return p.start
	}
	return p.start.Add(time.Duration(p.sent-PreBufferFrames) * p.frameDuration)
}

// Reset clears the schedule; the next Send pre-buffers again.
func (p *Pacer) Reset() {
	p.mu.Lock()
	p.start = time.Time{}
	p.sent = 0
	p.mu.Unlock()
}
