// Package intent decides how user utterances map to actions: whether
// the LLM gets function definitions, what counts as a wake word, and
// the cached greeting played on wake.
package intent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/openspeaker/gateway/internal/config"
)

// Mode selects the intent strategy.
type Mode string

const (
	// ModeNoIntent sends plain chat completions, no tools.
	ModeNoIntent Mode = "nointent"
	// ModeFunctionCall hands the registry's tool definitions to the LLM.
	ModeFunctionCall Mode = "function_call"
	// ModeLLM runs a separate classification request before each turn
	// and dispatches a detected function call directly.
	ModeLLM Mode = "intent_llm"
)

// ModeFromConfig normalizes the configured mode, defaulting unknown
// values to nointent.
func ModeFromConfig(cfg config.IntentConfig) Mode {
	switch Mode(cfg.Mode) {
	case ModeFunctionCall:
		return ModeFunctionCall
	case ModeLLM:
		return ModeLLM
	default:
		return ModeNoIntent
	}
}

// UsesTools reports whether tool definitions go into LLM requests.
func (m Mode) UsesTools() bool {
	return m == ModeFunctionCall
}

// IsExitCommand reports whether text exactly matches a configured exit
// command, using the same normalization as wake words.
func IsExitCommand(text string, exitCommands []string) bool {
	got := normalize(text)
	if got == "" {
		return false
	}
	for _, c := range exitCommands {
		if normalize(c) == got {
			return true
		}
	}
	return false
}

// normalize lowercases and strips punctuation and whitespace so "Hey,
// Nova!" matches the configured "hey nova".
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsWakeWord reports whether text is exactly one of the configured wake
// words.
func IsWakeWord(text string, wakeupWords []string) bool {
	got := normalize(text)
	if got == "" {
		return false
	}
	for _, w := range wakeupWords {
		if normalize(w) == got {
			return true
		}
	}
	return false
}

// GreetingMaxAge is how long a cached wake greeting stays fresh.
const GreetingMaxAge = 5 * time.Second

// refreshTimeout bounds the background regeneration of a stale entry.
const refreshTimeout = 30 * time.Second

// ErrPending means another connection is already generating the
// greeting for this voice and there is no cached one to fall back on.
var ErrPending = errors.New("greeting generation in progress")

// Greeting is one cached wake-word reply.
type Greeting struct {
	Text   string
	Frames [][]byte
	At     time.Time
}

// GenerateFunc produces a new greeting: reply text plus its synthesized
// opus frames.
type GenerateFunc func(ctx context.Context) (string, [][]byte, error)

// WakeupCache holds the pre-generated greeting per voice so the reply
// to "hey nova" starts instantly instead of waiting for LLM + TTS. The
// lock only guards the map; generation runs outside it so one slow
// LLM round trip cannot serialize every connection.
type WakeupCache struct {
	mu         sync.Mutex
	entries    map[string]*Greeting
	generating map[string]bool
	now        func() time.Time
}

func NewWakeupCache() *WakeupCache {
	return &WakeupCache{
		entries:    make(map[string]*Greeting),
		generating: make(map[string]bool),
		now:        time.Now,
	}
}

// Get returns the cached greeting for voice, if any.
func (c *WakeupCache) Get(voice string) (Greeting, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.entries[voice]
	if !ok {
		return Greeting{}, false
	}
	return *g, true
}

// GetOrGenerate returns the greeting for voice. A cached entry is
// served immediately even when stale; staleness kicks off a background
// refresh instead of blocking the wake reply. A cold cache generates
// synchronously; concurrent cold callers get ErrPending rather than
// queueing behind the first one.
func (c *WakeupCache) GetOrGenerate(ctx context.Context, voice string, gen GenerateFunc) (Greeting, error) {
	c.mu.Lock()
	if g, ok := c.entries[voice]; ok {
		out := *g
		if c.now().Sub(g.At) > GreetingMaxAge && !c.generating[voice] {
			c.generating[voice] = true
			go c.refresh(voice, gen)
		}
		c.mu.Unlock()
		return out, nil
	}
	if c.generating[voice] {
		c.mu.Unlock()
		return Greeting{}, ErrPending
	}
	c.generating[voice] = true
	c.mu.Unlock()

	text, frames, err := gen(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.generating, voice)
	if err != nil {
		return Greeting{}, err
	}
	g := &Greeting{Text: text, Frames: frames, At: c.now()}
	c.entries[voice] = g
	return *g, nil
}

// refresh regenerates a stale entry in the background. The stale
// greeting stays in place when regeneration fails.
func (c *WakeupCache) refresh(voice string, gen GenerateFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	text, frames, err := gen(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.generating, voice)
	if err != nil {
		return
	}
	c.entries[voice] = &Greeting{Text: text, Frames: frames, At: c.now()}
}
