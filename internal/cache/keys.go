package cache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// RetrievalKey derives the cache key of a context lookup. Queries that differ
// only in case or surrounding whitespace share an entry.
func RetrievalKey(index, query string) string {
	return index + ":" + strings.ToLower(strings.TrimSpace(query))
}

// SpeechKey derives the cache key of synthesized audio for text spoken by voice.
// Whitespace runs are collapsed before hashing.
func SpeechKey(voice, text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	return "tts:" + voice + ":" + strconv.FormatUint(xxhash.Sum64String(normalized), 16)
}

const greetingPrefix = "greeting:"

// GreetingKey derives the cache key of the greeting audio for a language and
// voice pair.
func GreetingKey(language, voice string) string {
	return greetingPrefix + language + "-" + voice
}

// IsGreetingKey reports whether key was built by [GreetingKey]. Greeting
// entries are the ones stored durably.
func IsGreetingKey(key string) bool {
	return strings.HasPrefix(key, greetingPrefix)
}
