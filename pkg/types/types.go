// Package types defines the shared types used across voxline packages.
//
// Each package owns its own domain types; only data that crosses package
// boundaries (providers, the generator, the session manager) lives here to avoid
// circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// VoiceProfile identifies a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g., "en-US-Neural2-C").
	ID string

	// Name is a human-readable label.
	Name string

	// Language is the BCP-47 tag the voice speaks.
	Language string

	// Gender is "Female", "Male" or empty when unknown.
	Gender string

	// Provider names the TTS backend that owns the voice.
	Provider string
}

// Turn is one completed exchange: the caller's input and the full text that was
// spoken back. Turns are immutable once recorded.
type Turn struct {
	// Input is the utterance or text that started the turn. Empty for greetings.
	Input string

	// Output is the complete spoken response text.
	Output string

	// At is when the turn completed.
	At time.Time
}

// Fragment is one piece of a streamed response. A Fragment with a non-nil Err
// terminates the stream.
type Fragment struct {
	Text string
	Err  error
}
