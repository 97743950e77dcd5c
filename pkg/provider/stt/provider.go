// Package stt defines the Provider interface for streaming speech-to-text backends.
//
// A Provider opens short-lived sub-streams: callers forward buffered PCM audio
// through a SessionHandle and read two transcript streams back. Partials are
// low-latency guesses that only signal "the caller is still speaking"; finals
// are committed text that becomes part of an utterance.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/voxline/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after the handle was closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// Encoding names the wire format of audio frames.
type Encoding string

// Supported encodings.
const (
	EncodingLinear16 Encoding = "linear16"
	EncodingMulaw    Encoding = "mulaw"
)

// StreamConfig describes the audio format and recognition language of a new
// sub-stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Callers stream 16000 Hz mono.
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// Encoding is the audio encoding. Empty means EncodingLinear16.
	Encoding Encoding

	// Language is the BCP-47 tag for recognition (e.g., "en-US", "ru-RU").
	// An empty string lets the provider pick its default.
	Language string

	// Keywords are domain terms the recognizer should favour. Providers
	// without keyword boosting ignore them.
	Keywords []string
}

// SessionHandle is one open transcription sub-stream.
//
// Callers must call Close when the sub-stream is no longer needed. After Close
// returns, Partials and Finals are closed. A provider that loses its connection
// closes both channels on its own; callers treat that as the end of the
// sub-stream.
type SessionHandle interface {
	// SendAudio delivers raw audio bytes matching the StreamConfig. The
	// handle may keep chunk until it has been sent, so callers must not
	// modify it afterwards.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts.
	Partials() <-chan types.Transcript

	// Finals emits committed transcripts.
	Finals() <-chan types.Transcript

	// Close terminates the sub-stream. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new transcription sub-stream. The returned handle is
	// ready to accept audio immediately. The caller owns it and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
