package playback

import (
	"os"
	"sync"

	"github.com/lightwell/jamie-voice/internal/audio"
)

// MemorySink collects played frames, concatenating their PCM. Used by tests
// and by the probe tool when no output file is requested.
type MemorySink struct {
	mu     sync.Mutex
	frames int
	pcm    []byte
}

func (s *MemorySink) Play(f audio.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.pcm = append(s.pcm, f.PCM...)
	return nil
}

func (s *MemorySink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *MemorySink) PCM() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.pcm))
	copy(out, s.pcm)
	return out
}

// WAVFileSink buffers played PCM and writes a single WAV container on Flush.
// Sample rate and channel count come from the first frame; later frames must
// match.
type WAVFileSink struct {
	path string

	mu         sync.Mutex
	pcm        []byte
	sampleRate int
	channels   int
}

func NewWAVFileSink(path string) *WAVFileSink {
	return &WAVFileSink{path: path}
}

func (s *WAVFileSink) Play(f audio.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampleRate == 0 {
		s.sampleRate = f.SampleRate
		s.channels = f.Channels
	}
	if f.SampleRate != s.sampleRate || f.Channels != s.channels {
		return &audio.CodecError{Reason: "frame format changed mid-stream"}
	}
	s.pcm = append(s.pcm, f.PCM...)
	return nil
}

// Flush writes the accumulated audio to disk. A sink that never saw a frame
// writes nothing and returns nil.
func (s *WAVFileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pcm) == 0 {
		return nil
	}
	frame := audio.Frame{PCM: s.pcm, SampleRate: s.sampleRate, Channels: s.channels}
	data, err := audio.EncodeWAV(frame)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
