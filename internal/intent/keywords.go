// Package intent infers routing hints from free-text prompts.
package intent

import (
	"regexp"
	"strings"

	"github.com/ZanzyTHEbar/layerbridge"
)

// Keyword sets. Matching is on whole words or phrases after lower-casing.
var (
	// generationVerbs must co-occur with a media noun to signal generation.
	generationVerbs = []string{"generate", "create", "make", "draw", "render", "produce", "compose", "synthesize", "paint", "design"}

	mediaNouns = map[string][]string{
		"image": {"image", "picture", "photo", "illustration", "drawing", "logo", "icon", "artwork", "diagram"},
		"audio": {"audio", "sound", "music", "song", "voice", "speech", "podcast", "narration", "jingle"},
		"video": {"video", "animation", "clip", "movie", "film"},
	}

	currentInfoTerms = []string{
		"latest", "current", "currently", "today", "tonight", "yesterday", "this week", "this month",
		"this year", "news", "recent", "recently", "breaking", "now", "up to date", "up-to-date",
		"search", "look up", "lookup", "price of", "stock price", "weather", "score", "release date",
		"trending", "2024", "2025", "2026",
	}
)

var wordRe = regexp.MustCompile(`[a-z0-9\-]+`)

// KeywordClassifier is the default IntentClassifier built on fixed keyword lists.
type KeywordClassifier struct{}

// NewKeywordClassifier returns a classifier using the built-in keyword sets.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// Classify implements layerbridge.IntentClassifier.
func (KeywordClassifier) Classify(prompt string) layerbridge.Intent {
	text := strings.ToLower(prompt)
	words := make(map[string]bool)
	for _, w := range wordRe.FindAllString(text, -1) {
		words[w] = true
	}
	padded := " " + strings.Join(wordRe.FindAllString(text, -1), " ") + " "

	var in layerbridge.Intent
	if hasAny(words, padded, generationVerbs) {
		for _, kind := range []string{"image", "audio", "video"} {
			if hasAny(words, padded, mediaNouns[kind]) {
				in.Generation = true
				in.MediaKind = kind
				break
			}
		}
	}
	in.CurrentInfo = hasAny(words, padded, currentInfoTerms)
	return in
}

func hasAny(words map[string]bool, padded string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(term, " ") {
			if strings.Contains(padded, " "+term+" ") {
				return true
			}
			continue
		}
		if words[term] {
			return true
		}
	}
	return false
}
