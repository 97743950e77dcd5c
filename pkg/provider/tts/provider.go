// Package tts defines the Provider interface for text-to-speech backends.
//
// Synthesis is request/response: one chunk of text in, one blob of encoded audio
// out. Callers cache the result keyed by voice and text, so implementations must
// return the complete audio for the text, not a prefix of it.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/voxline/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the audio bytes.
	// The call must honour ctx cancellation and deadlines.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns the voices the backend offers.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
