package tts

import (
	"strings"
	"unicode"
)

// Sentence boundary sets. The first sentence of a reply cuts on the
// wide set so the device starts speaking as soon as possible; later
// sentences wait for a strong boundary to keep prosody natural.
var (
	strongBreaks = []rune{'。', '！', '？', '；', '：', '.', '!', '?', ';', ':'}
	mildBreaks   = []rune{'、', '，', ',', '~', '～'}
)

// Splitter incrementally cuts the accumulating LLM content stream into
// speakable segments. It keeps a cursor over everything pushed so far;
// each cut advances the cursor and the cursor never moves backwards.
// Emitted segments are cleaned for synthesis: boundary punctuation is
// trimmed and emoji and markdown markers are dropped, since none of
// them are speakable.
type Splitter struct {
	buf       []rune
	processed int
	first     bool
}

func NewSplitter() *Splitter {
	return &Splitter{first: true}
}

// Push appends streamed content and returns the segments that became
// complete, one per sentence boundary.
func (s *Splitter) Push(delta string) []string {
	s.buf = append(s.buf, []rune(delta)...)

	var out []string
	for {
		seg, ok := s.cut()
		if !ok {
			break
		}
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// cut consumes the pending text up to and including the next boundary.
// ok reports whether anything was consumed; the segment may still come
// back empty when the consumed text had nothing speakable in it.
func (s *Splitter) cut() (string, bool) {
	pending := s.buf[s.processed:]
	for i, r := range pending {
		if !isBreak(r, strongBreaks) && !(s.first && isBreak(r, mildBreaks)) {
			continue
		}
		s.processed += i + 1
		seg := cleanSegment(string(pending[:i+1]))
		if seg != "" {
			s.first = false
		}
		return seg, true
	}
	return "", false
}

// Flush consumes the residual tail once the stream is done. Any
// speakable remainder is emitted, however short: a reply like "5" never
// hits a boundary at all.
func (s *Splitter) Flush() (string, bool) {
	tail := cleanSegment(string(s.buf[s.processed:]))
	s.processed = len(s.buf)
	if tail == "" {
		return "", false
	}
	return tail, true
}

// Processed returns how many runes of the stream have been consumed.
func (s *Splitter) Processed() int {
	return s.processed
}

// Text returns everything pushed so far.
func (s *Splitter) Text() string {
	return string(s.buf)
}

func isBreak(r rune, set []rune) bool {
	for _, b := range set {
		if r == b {
			return true
		}
	}
	return false
}

// cleanSegment makes a cut speakable: markdown markers and emoji are
// removed, surrounding punctuation and whitespace are trimmed, and
// internal whitespace runs collapse to single spaces.
func cleanSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isMarkdownMarker(r) || isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	trimmed := strings.TrimFunc(b.String(), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return strings.Join(strings.Fields(trimmed), " ")
}

func isMarkdownMarker(r rune) bool {
	return r == '*' || r == '#' || r == '`'
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, transport, supplemental
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols and dingbats
		return true
	case r == 0xFE0F || r == 0x200D: // variation selector, zero-width joiner
		return true
	}
	return false
}
