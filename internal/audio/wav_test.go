package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeWAVHeader(t *testing.T) {
	samples := make([]float32, 100)
	data, err := EncodeWAV(samples, 24000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if len(data) < 44 {
		t.Fatalf("WAV too short: %d bytes", len(data))
	}
	if string(data[:4]) != "RIFF" {
		t.Errorf("missing RIFF magic")
	}
	if string(data[8:12]) != "WAVE" {
		t.Errorf("missing WAVE identifier")
	}
	if string(data[12:16]) != "fmt " {
		t.Errorf("missing fmt chunk")
	}
	if riffSize := binary.LittleEndian.Uint32(data[4:8]); int(riffSize) != len(data)-8 {
		t.Errorf("RIFF size = %d, want %d", riffSize, len(data)-8)
	}
	if format := binary.LittleEndian.Uint16(data[20:22]); format != 1 {
		t.Errorf("format code = %d, want 1 (PCM)", format)
	}
	if chans := binary.LittleEndian.Uint16(data[22:24]); chans != 1 {
		t.Errorf("channels = %d, want 1", chans)
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 24000 {
		t.Errorf("sample rate = %d, want 24000", rate)
	}
	if depth := binary.LittleEndian.Uint16(data[34:36]); depth != 16 {
		t.Errorf("bit depth = %d, want 16", depth)
	}
	dataSize, ok := findDataChunk(data)
	if !ok {
		t.Fatalf("no data chunk")
	}
	if want := uint32(len(samples) * 2); dataSize != want {
		t.Errorf("data chunk size = %d, want %d", dataSize, want)
	}
}

func TestEncodeWAVRespectsSampleRate(t *testing.T) {
	data, err := EncodeWAV(make([]float32, 10), 44100)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 44100 {
		t.Errorf("sample rate = %d, want 44100", rate)
	}
}

func TestEncodeWAVRejectsBadRate(t *testing.T) {
	if _, err := EncodeWAV(make([]float32, 10), 0); err == nil {
		t.Fatalf("expected error for zero sample rate")
	}
	if _, err := EncodeWAV(make([]float32, 10), -1); err == nil {
		t.Fatalf("expected error for negative sample rate")
	}
}

func TestEncodeWAVSampleValues(t *testing.T) {
	original := []float32{0.0, 0.5, -0.5, 1.0, -1.0}
	data, err := EncodeWAV(original, 24000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	decoded := decodeSamples(t, data)
	if len(decoded) != len(original) {
		t.Fatalf("got %d samples, want %d", len(decoded), len(original))
	}
	// 16-bit quantization allows error up to ~1/32768.
	const tolerance = 2.0 / 32768.0
	for i, want := range original {
		if got := decoded[i]; math.Abs(float64(got-want)) > tolerance {
			t.Errorf("sample[%d] = %f, want %f", i, got, want)
		}
	}
}

func TestWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	samples := []float32{0.1, -0.2, 0.3}
	if err := WriteWAVFile(path, samples, 24000); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want, err := EncodeWAV(samples, 24000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("file contents differ from EncodeWAV output")
	}
}

func TestWavBufferSeekWrite(t *testing.T) {
	b := &wavBuffer{}
	if _, err := b.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := b.Seek(2, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if _, err := b.Write([]byte("XY")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if string(b.data) != "abXYef" {
		t.Errorf("data = %q, want %q", b.data, "abXYef")
	}
	if pos, err := b.Seek(0, 2); err != nil || pos != 6 {
		t.Errorf("seek end = %d, %v", pos, err)
	}
	if _, err := b.Write([]byte("gh")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if string(b.data) != "abXYefgh" {
		t.Errorf("data = %q, want %q", b.data, "abXYefgh")
	}
	if _, err := b.Seek(-1, 0); err == nil {
		t.Errorf("expected error seeking before start")
	}
}

// findDataChunk scans RIFF chunks for "data" and returns its declared
// size.
func findDataChunk(data []byte) (uint32, bool) {
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		if id == "data" {
			return size, true
		}
		off += 8 + int(size)
		if size%2 == 1 {
			off++
		}
	}
	return 0, false
}

// decodeSamples extracts the int16 payload of the data chunk and
// rescales it to float32.
func decodeSamples(t *testing.T, data []byte) []float32 {
	t.Helper()
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		if id != "data" {
			off += 8 + size
			if size%2 == 1 {
				off++
			}
			continue
		}
		payload := data[off+8 : off+8+size]
		out := make([]float32, size/2)
		for i := range out {
			v := int16(binary.LittleEndian.Uint16(payload[2*i:]))
			out[i] = float32(v) / 32768.0
		}
		return out
	}
	t.Fatalf("no data chunk")
	return nil
}
