package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Position frames a segment within one assistant turn. Every turn emits
// exactly one first and one last marker with any number of middles
// between them; the device uses the framing to drive its speaking UI.
type Position string

const (
	PositionFirst  Position = "first"
	PositionMiddle Position = "middle"
	PositionLast   Position = "last"
)

// Segment is one speakable chunk of an assistant turn.
type Segment struct {
	TurnID   string
	Index    int
	Text     string
	Position Position
}

type audioItem struct {
	seg    Segment
	frames [][]byte
}

// PlayFunc delivers one synthesized segment to the device. It blocks
// for the duration of playback.
type PlayFunc func(ctx context.Context, seg Segment, frames [][]byte) error

// FrameFunc turns synthesized PCM into wire frames in whatever format
// the connection negotiated.
type FrameFunc func(pcm []byte) ([][]byte, error)

// Engine runs the synthesis pipeline for one connection: a text queue
// feeding a synthesis worker and an audio queue feeding a playback
// worker, so synthesis of sentence N+1 overlaps playback of sentence N.
type Engine struct {
	synth *Client
	frame FrameFunc
	play  PlayFunc

	// onSynthesized is an optional hook observing each segment's opus
	// frames, used for chat history reporting.
	onSynthesized func(seg Segment, frames [][]byte)

	textQueue  chan Segment
	audioQueue chan audioItem

	mu          sync.RWMutex
	currentTurn string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(parent context.Context, synth *Client, frame FrameFunc, play PlayFunc, onSynthesized func(Segment, [][]byte)) *Engine {
	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		synth:         synth,
		frame:         frame,
		play:          play,
		onSynthesized: onSynthesized,
		textQueue:     make(chan Segment, 100),
		audioQueue:    make(chan audioItem, 100),
		ctx:           ctx,
		cancel:        cancel,
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.synthWorker()
	}()
	go func() {
		defer e.wg.Done()
		e.playWorker()
	}()

	return e
}

// BeginTurn marks turnID as the only turn whose segments may play.
func (e *Engine) BeginTurn(turnID string) {
	e.mu.Lock()
	e.currentTurn = turnID
	e.mu.Unlock()
}

// CurrentTurn returns the turn whose segments are allowed through.
func (e *Engine) CurrentTurn() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentTurn
}

// Enqueue queues a segment for synthesis. When the queue is full, stale
// segments from superseded turns are drained to make room; if it is
// still full the segment is dropped with a log.
func (e *Engine) Enqueue(seg Segment) {
	select {
	case e.textQueue <- seg:
		return
	default:
	}

	drained := e.drainStale(e.textQueue)
	slog.Warn("tts: text queue full, drained stale segments", "drained", drained, "turn_id", seg.TurnID)

	select {
	case e.textQueue <- seg:
	default:
		slog.Warn("tts: text queue still full, dropping segment", "turn_id", seg.TurnID, "index", seg.Index)
	}
}

// Abort supersedes the active turn and empties both queues. Segments
// already handed to the play callback stop through the session's stop
// flag, which playback re-checks every frame.
func (e *Engine) Abort() {
	e.mu.Lock()
	e.currentTurn = ""
	e.mu.Unlock()

	for {
		select {
		case <-e.textQueue:
		default:
			goto audio
		}
	}
audio:
	for {
		select {
		case <-e.audioQueue:
		default:
			return
		}
	}
}

// Close stops both workers. Safe to call more than once.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) synthWorker() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case seg := <-e.textQueue:
			if seg.TurnID != e.CurrentTurn() {
				continue
			}

			frames, err := e.synthesize(seg)
			if err != nil {
				slog.Error("tts: segment synthesis failed, skipping", "error", err, "turn_id", seg.TurnID, "index", seg.Index)
				// Framing must survive the skip: a lost last marker
				// would leave the device speaking forever.
				if seg.Position != PositionLast {
					continue
				}
				frames = nil
			}

			item := audioItem{seg: seg, frames: frames}
			select {
			case e.audioQueue <- item:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) synthesize(seg Segment) ([][]byte, error) {
	if seg.Text == "" {
		return nil, nil
	}
	if e.synth == nil || e.frame == nil {
		return nil, fmt.Errorf("no synthesis backend")
	}
	pcm, err := e.synth.Synthesize(e.ctx, seg.Text)
	if err != nil {
		return nil, err
	}
	frames, err := e.frame(pcm)
	if err != nil {
		return nil, err
	}
	if e.onSynthesized != nil {
		e.onSynthesized(seg, frames)
	}
	return frames, nil
}

func (e *Engine) playWorker() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case item := <-e.audioQueue:
			if item.seg.TurnID != e.CurrentTurn() {
				continue
			}
			if err := e.play(e.ctx, item.seg, item.frames); err != nil {
				slog.Error("tts: playback failed", "error", err, "turn_id", item.seg.TurnID, "index", item.seg.Index)
			}
		}
	}
}

func (e *Engine) drainStale(q chan Segment) int {
	current := e.CurrentTurn()
	drained := 0
	for i := len(q); i > 0; i-- {
		select {
		case seg := <-q:
			if seg.TurnID != current {
				drained++
				continue
			}
			select {
			case q <- seg:
			default:
				drained++
			}
		default:
			return drained
		}
	}
	return drained
}
