package tts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Segments with empty text bypass the synthesis client entirely, so the
// queue and turn-gating behavior can be exercised without a TTS backend.
func emptySegment(turnID string, index int, pos Position) Segment {
	return Segment{TurnID: turnID, Index: index, Position: pos}
}

type playRecorder struct {
	mu     sync.Mutex
	played []Segment
}

func (r *playRecorder) play(_ context.Context, seg Segment, _ [][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.played = append(r.played, seg)
	return nil
}

func (r *playRecorder) snapshot() []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Segment, len(r.played))
	copy(out, r.played)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestEnginePlaysCurrentTurnInOrder(t *testing.T) {
	rec := &playRecorder{}
	e := NewEngine(context.Background(), nil, nil, rec.play, nil)
	defer e.Close()

	e.BeginTurn("turn-1")
	e.Enqueue(emptySegment("turn-1", 0, PositionFirst))
	e.Enqueue(emptySegment("turn-1", 1, PositionMiddle))
	e.Enqueue(emptySegment("turn-1", 2, PositionLast))

	waitFor(t, func() bool { return len(rec.snapshot()) == 3 })

	played := rec.snapshot()
	require.Len(t, played, 3)
	assert.Equal(t, PositionFirst, played[0].Position)
	assert.Equal(t, PositionMiddle, played[1].Position)
	assert.Equal(t, PositionLast, played[2].Position)
	for i, seg := range played {
		assert.Equal(t, i, seg.Index)
	}
}

func TestEngineDropsSegmentsFromSupersededTurn(t *testing.T) {
	rec := &playRecorder{}
	e := NewEngine(context.Background(), nil, nil, rec.play, nil)
	defer e.Close()

	e.BeginTurn("old")
	e.Abort()

	// Segments for a turn that is no longer current never reach playback.
	e.Enqueue(emptySegment("old", 0, PositionFirst))
	e.Enqueue(emptySegment("old", 1, PositionLast))

	e.BeginTurn("new")
	e.Enqueue(emptySegment("new", 0, PositionFirst))
	e.Enqueue(emptySegment("new", 1, PositionLast))

	waitFor(t, func() bool {
		played := rec.snapshot()
		return len(played) == 2
	})

	for _, seg := range rec.snapshot() {
		assert.Equal(t, "new", seg.TurnID)
	}
}

func TestEngineAbortEmptiesQueues(t *testing.T) {
	rec := &playRecorder{}

	// Block playback so queued items stay put until abort.
	release := make(chan struct{})
	blockingPlay := func(ctx context.Context, seg Segment, frames [][]byte) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return rec.play(ctx, seg, frames)
	}

	e := NewEngine(context.Background(), nil, nil, blockingPlay, nil)
	defer e.Close()

	e.BeginTurn("turn-1")
	for i := 0; i < 10; i++ {
		e.Enqueue(emptySegment("turn-1", i, PositionMiddle))
	}

	// Let the first segment reach the (blocked) player.
	time.Sleep(50 * time.Millisecond)
	e.Abort()
	close(release)

	// After abort nothing new plays; at most the in-flight segment
	// completes.
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, len(rec.snapshot()), 2)
	assert.Equal(t, "", e.CurrentTurn())
}

func TestEngineEnqueueFullQueueDrainsStale(t *testing.T) {
	rec := &playRecorder{}
	release := make(chan struct{})
	blockingPlay := func(ctx context.Context, seg Segment, frames [][]byte) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return rec.play(ctx, seg, frames)
	}

	e := NewEngine(context.Background(), nil, nil, blockingPlay, nil)
	defer e.Close()
	defer close(release)

	e.BeginTurn("stale")
	for i := 0; i < 120; i++ {
		e.Enqueue(emptySegment("stale", i, PositionMiddle))
	}

	// Switching turns makes the backlog stale; the next enqueue must
	// find room by draining it rather than dropping the new segment.
	e.BeginTurn("fresh")
	e.Enqueue(emptySegment("fresh", 0, PositionFirst))
	assert.Equal(t, "fresh", e.CurrentTurn())
}

func TestEngineCloseStopsWorkers(t *testing.T) {
	rec := &playRecorder{}
	e := NewEngine(context.Background(), nil, nil, rec.play, nil)

	e.BeginTurn("turn-1")
	e.Enqueue(emptySegment("turn-1", 0, PositionFirst))
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	e.Close()

	// Enqueue after close never plays.
	e.Enqueue(emptySegment("turn-1", 1, PositionMiddle))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}
