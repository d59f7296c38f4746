// Package playback accumulates an assistant response on the client side:
// text deltas into a transcript, audio deltas into a sink. Chunk decoding is
// concurrent, but playback start is serialized in enqueue order so audio
// plays back-to-back.
package playback

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lightwell/jamie-voice/internal/audio"
)

const (
	defaultSampleRate = 24000
	defaultChannels   = 1
)

// Sink consumes decoded frames in playback order.
type Sink interface {
	Play(audio.Frame) error
}

// Config shapes the frames the driver hands to its sink. Zero values fall
// back to 24kHz mono, matching the synthesis defaults.
type Config struct {
	SampleRate int
	Channels   int
	Logger     *zap.Logger
}

type decodedChunk struct {
	pcm []byte
	err error

	// barrier marks a Wait checkpoint instead of audio; the player closes
	// it once every earlier chunk has been handed to the sink.
	barrier chan struct{}
}

// Driver is one response's playback state. It is safe for concurrent use,
// though deltas for a single response normally arrive from one goroutine.
type Driver struct {
	sink       Sink
	log        *zap.Logger
	sampleRate int
	channels   int

	// mu guards enqueue vs close; the player only touches statsMu, so an
	// enqueue blocked on a full queue cannot deadlock against it.
	mu         sync.Mutex
	transcript strings.Builder
	queue      chan chan decodedChunk
	closed     bool

	playerDone chan struct{}

	statsMu sync.Mutex
	playErr error
	skipped int
}

func New(sink Sink, cfg Config) *Driver {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaultChannels
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	d := &Driver{
		sink:       sink,
		log:        log,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		queue:      make(chan chan decodedChunk, 256),
		playerDone: make(chan struct{}),
	}
	go d.player()
	return d
}

// OnTextDelta appends one delta to the transcript in arrival order.
func (d *Driver) OnTextDelta(delta string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.transcript.WriteString(delta)
}

// OnAudioDelta enqueues one wire-encoded chunk. The decode runs concurrently
// with other chunks; the slot reserved here pins this chunk's position in the
// playback order regardless of which decode finishes first. A chunk that
// fails to decode is logged and skipped, never aborting the response.
func (d *Driver) OnAudioDelta(wire string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	slot := make(chan decodedChunk, 1)
	d.queue <- slot
	d.mu.Unlock()

	go func() {
		pcm, err := audio.DecodeFromWire(wire)
		slot <- decodedChunk{pcm: pcm, err: err}
	}()
}

func (d *Driver) player() {
	defer close(d.playerDone)
	for slot := range d.queue {
		chunk := <-slot
		if chunk.barrier != nil {
			close(chunk.barrier)
			continue
		}
		if chunk.err != nil {
			d.log.Warn("audio chunk skipped", zap.Error(chunk.err))
			d.statsMu.Lock()
			d.skipped++
			d.statsMu.Unlock()
			continue
		}
		frame := audio.Frame{
			PCM:        chunk.pcm,
			SampleRate: d.sampleRate,
			Channels:   d.channels,
		}
		if err := d.sink.Play(frame); err != nil {
			d.statsMu.Lock()
			if d.playErr == nil {
				d.playErr = err
			}
			d.statsMu.Unlock()
			d.log.Warn("sink rejected frame", zap.Error(err))
		}
	}
}

// Transcript returns the text accumulated so far.
func (d *Driver) Transcript() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transcript.String()
}

// Skipped reports how many chunks failed to decode and were dropped.
func (d *Driver) Skipped() int {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.skipped
}

// Close stops accepting deltas, drains queued chunks through the sink, and
// returns the first sink error, if any. Safe to call once; later deltas are
// dropped silently.
func (d *Driver) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	<-d.playerDone
	d.statsMu.Lock()
	err := d.playErr
	d.statsMu.Unlock()
	return err
}

// Wait blocks until all chunks enqueued so far have been played. It does not
// close the driver.
func (d *Driver) Wait() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.playerDone
		return
	}
	flushed := make(chan struct{})
	slot := make(chan decodedChunk, 1)
	slot <- decodedChunk{barrier: flushed}
	d.queue <- slot
	d.mu.Unlock()

	select {
	case <-flushed:
	case <-d.playerDone:
	}
}
