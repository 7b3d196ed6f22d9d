package tts

import "strings"

// emojiMap covers the emotion set the speaker firmware can display.
var emojiMap = map[string]string{
	"neutral":     "😶",
	"happy":       "🙂",
	"laughing":    "😆",
	"funny":       "😂",
	"sad":         "😔",
	"angry":       "😠",
	"crying":      "😭",
	"loving":      "😍",
	"embarrassed": "😳",
	"surprised":   "😲",
	"shocked":     "😱",
	"thinking":    "🤔",
	"winking":     "😉",
	"cool":        "😎",
	"relaxed":     "😌",
	"delicious":   "🤤",
	"kissy":       "😘",
	"confident":   "😏",
	"sleepy":      "😴",
	"silly":       "😜",
	"confused":    "🙄",
}

var emotionKeywords = []struct {
	emotion  string
	keywords []string
}{
	{"laughing", []string{"haha", "lol", "😆", "😂"}},
	{"crying", []string{"😭", "so sorry to hear"}},
	{"sad", []string{"sad", "unfortunately", "😔"}},
	{"angry", []string{"😠", "angry"}},
	{"loving", []string{"love", "😍", "❤"}},
	{"surprised", []string{"wow", "amazing", "😲"}},
	{"shocked", []string{"😱", "oh no"}},
	{"thinking", []string{"hmm", "let me think", "🤔"}},
	{"winking", []string{"😉"}},
	{"cool", []string{"😎"}},
	{"sleepy", []string{"good night", "😴", "sleep well"}},
	{"confused", []string{"not sure", "🙄", "confused"}},
	{"happy", []string{"glad", "great", "🙂", "sure!"}},
}

// AnalyzeEmotion maps reply text to one of the device emotions. The
// device shows the emoji while the reply plays.
func AnalyzeEmotion(text string) (emotion, emoji string) {
	lower := strings.ToLower(text)
	for _, entry := range emotionKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.emotion, emojiMap[entry.emotion]
			}
		}
	}
	if strings.Contains(text, "!") || strings.Contains(text, "！") {
		return "happy", emojiMap["happy"]
	}
	return "neutral", emojiMap["neutral"]
}

// Emoji returns the emoji for a known emotion name, defaulting to
// neutral.
func Emoji(emotion string) string {
	if e, ok := emojiMap[emotion]; ok {
		return e
	}
	return emojiMap["neutral"]
}
