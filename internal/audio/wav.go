package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

// EncodeWAV wraps a PCM16LE frame in a WAV container.
func EncodeWAV(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes a PCM16LE frame as a WAV file.
func WriteWAVFile(path string, f Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	return WriteWAVTo(out, f)
}

// WriteWAVTo writes a PCM16LE frame to out as a WAV stream. The frame's
// declared sample rate and channel count end up in the fmt chunk, so an
// invalid frame is rejected rather than written as noise.
func WriteWAVTo(out io.Writer, f Frame) error {
	const (
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if err := f.Validate(); err != nil {
		return err
	}

	dataSize := uint32(len(f.PCM))
	byteRate := uint32(f.SampleRate * f.Channels * bitsPerSample / 8)
	blockAlign := uint16(f.Channels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(f.Channels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(f.SampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(f.PCM); err != nil {
		return err
	}
	return w.Flush()
}
