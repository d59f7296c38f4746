package audio

import (
	"encoding/base64"
	"fmt"
	"time"
)

// CodecError describes a malformed audio payload. Codec failures are
// chunk-local: callers skip the offending chunk instead of tearing the
// session down.
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio codec: %s: %v", e.Reason, e.Err)
	}
	return "audio codec: " + e.Reason
}

func (e *CodecError) Unwrap() error { return e.Err }

// Frame is a decoded PCM16LE buffer plus the sample rate and channel count
// the producer declared for it.
type Frame struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Validate rejects frames whose declared layout cannot describe the buffer.
func (f Frame) Validate() error {
	if f.SampleRate <= 0 {
		return &CodecError{Reason: fmt.Sprintf("invalid sample rate %d", f.SampleRate)}
	}
	if f.Channels < 1 || f.Channels > 2 {
		return &CodecError{Reason: fmt.Sprintf("invalid channel count %d", f.Channels)}
	}
	if len(f.PCM)%(2*f.Channels) != 0 {
		return &CodecError{Reason: fmt.Sprintf("pcm length %d is not sample-aligned for %d channel(s)", len(f.PCM), f.Channels)}
	}
	return nil
}

// Duration reports the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.PCM) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// EncodeToWire base64-encodes a raw audio buffer for transport inside a JSON
// envelope. The input is never mutated.
func EncodeToWire(buf []byte) string {
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFromWire is the inverse of EncodeToWire. A payload that is not valid
// base64, or that decodes to zero bytes while being non-empty itself, yields
// a *CodecError.
func DecodeFromWire(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &CodecError{Reason: "invalid base64 payload", Err: err}
	}
	if len(raw) == 0 && len(payload) > 0 {
		return nil, &CodecError{Reason: "payload decoded to zero bytes"}
	}
	return raw, nil
}
