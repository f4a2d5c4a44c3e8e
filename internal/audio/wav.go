// Package audio encodes synthesized PCM samples as WAV.
package audio

import (
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"

	"github.com/cwbudde/wav"
)

const (
	bitDepth  = 16
	channels  = 1
	formatPCM = 1
)

// EncodeWAV encodes float32 PCM samples as a mono 16-bit WAV file at
// the given sample rate.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate %d out of range", sampleRate)
	}
	buf := &wavBuffer{}
	enc := wav.NewEncoder(buf, sampleRate, bitDepth, channels, formatPCM)
	pcm := &goaudio.Float32Buffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: channels},
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(pcm); err != nil {
		return nil, fmt.Errorf("audio: write pcm: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: close encoder: %w", err)
	}
	return buf.data, nil
}

// WriteWAVFile encodes samples and writes the result to path.
func WriteWAVFile(path string, samples []float32, sampleRate int) error {
	data, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("audio: write %s: %w", path, err)
	}
	return nil
}

// wavBuffer is an in-memory io.WriteSeeker. The wav encoder seeks back
// over the header at Close to patch chunk sizes, so a plain
// bytes.Buffer would not do.
type wavBuffer struct {
	data []byte
	pos  int
}

func (b *wavBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		if need > cap(b.data) {
			grown := make([]byte, need)
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:need]
		}
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *wavBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(b.pos) + offset
	case io.SeekEnd:
		pos = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("audio: bad seek whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("audio: seek before start of buffer")
	}
	b.pos = int(pos)
	return pos, nil
}
