package audioio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var captureFormat = Format{SampleRate: 48000, Channels: 1, BitDepth: 16}

func TestWriterReaderRoundTrip(t *testing.T) {
	t.Parallel()

	samples := []byte{0x00, 0x10, 0xFF, 0x7F, 0x01, 0x00}
	path := filepath.Join(t.TempDir(), "roundtrip.wav")

	writer, err := Create(path, captureFormat)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if _, err := writer.Write(samples); err != nil {
		t.Fatalf("write samples: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if writer.DataSize() != int64(len(samples)) {
		t.Errorf("unexpected data size: %d", writer.DataSize())
	}
	if writer.TotalSize() != int64(len(samples))+HeaderSize {
		t.Errorf("unexpected total size: %d", writer.TotalSize())
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	reader, err := NewReader(file)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer reader.Close()

	if got := reader.Format(); got != captureFormat {
		t.Fatalf("unexpected format: %+v", got)
	}
	if reader.DataSize() != int64(len(samples)) {
		t.Fatalf("unexpected declared data size: %d", reader.DataSize())
	}

	data, err := io.ReadAll(reader)
	if err != nil && err != io.EOF {
		t.Fatalf("read data: %v", err)
	}
	if !bytes.Equal(samples, data) {
		t.Fatalf("unexpected payload: %v", data)
	}
}

func TestEmptyArtifactRoundTrip(t *testing.T) {
	t.Parallel()

	// A capture can end before any audio arrives; the artifact is still a
	// valid container with a zero-length data chunk.
	path := filepath.Join(t.TempDir(), "empty.wav")
	writer, err := Create(path, captureFormat)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if writer.DataSize() != 0 || writer.TotalSize() != HeaderSize {
		t.Fatalf("unexpected sizes: data=%d total=%d", writer.DataSize(), writer.TotalSize())
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	reader, err := NewReader(file)
	if err != nil {
		t.Fatalf("new reader on empty artifact: %v", err)
	}
	defer reader.Close()

	if got := reader.Format(); got != captureFormat {
		t.Errorf("unexpected format: %+v", got)
	}
	if reader.DataSize() != 0 {
		t.Errorf("expected empty payload, declared %d", reader.DataSize())
	}
	if n, err := reader.Read(make([]byte, 16)); n != 0 || err != io.EOF {
		t.Errorf("expected immediate EOF, got n=%d err=%v", n, err)
	}
}

func TestWriterAcceptsUnalignedChunks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "unaligned.wav")
	writer, err := Create(path, captureFormat)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	// Chunks of arbitrary sizes; the cumulative stream ends mid-frame.
	for _, chunk := range [][]byte{{1, 2, 3}, {4}, {5, 6, 7}} {
		if _, err := writer.Write(chunk); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// 7 bytes written, block align 2: one byte of silence padding expected.
	if writer.DataSize() != 8 {
		t.Fatalf("expected padded data size 8, got %d", writer.DataSize())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if len(raw) != HeaderSize+8 {
		t.Fatalf("unexpected file length: %d", len(raw))
	}
	if raw[len(raw)-1] != 0 {
		t.Errorf("expected zero padding byte, got %#x", raw[len(raw)-1])
	}
	if got := binary.LittleEndian.Uint32(raw[40:44]); got != 8 {
		t.Errorf("data chunk size field = %d, want 8", got)
	}
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != 8+36 {
		t.Errorf("RIFF chunk size field = %d, want 44", got)
	}
}

func TestWriterHeaderFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "header.wav")
	writer, err := Create(path, captureFormat)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	payload := make([]byte, 9600)
	if _, err := writer.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" || string(raw[36:40]) != "data" {
		t.Fatalf("malformed header: % x", raw[:44])
	}
	if got := binary.LittleEndian.Uint32(raw[24:28]); got != 48000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint16(raw[22:24]); got != 1 {
		t.Errorf("channels = %d", got)
	}
	if got := binary.LittleEndian.Uint16(raw[34:36]); got != 16 {
		t.Errorf("bit depth = %d", got)
	}
	if got := binary.LittleEndian.Uint32(raw[28:32]); got != 96000 {
		t.Errorf("byte rate = %d", got)
	}
}

func TestWriterDuration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "duration.wav")
	writer, err := Create(path, captureFormat)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	// 0.1s of audio per 9600-byte chunk at 48kHz mono 16-bit.
	for i := 0; i < 3; i++ {
		if _, err := writer.Write(make([]byte, 9600)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := writer.Duration(); got != 300*time.Millisecond {
		t.Errorf("duration = %s, want 300ms", got)
	}
}

func TestWriterCloseIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "close.wav")
	writer, err := Create(path, captureFormat)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if _, err := writer.Write([]byte{1, 2}); err == nil {
		t.Fatalf("expected write after close to fail")
	}
}

func TestCreateRefusesExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "existing.wav")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := Create(path, captureFormat); err == nil {
		t.Fatalf("expected error for existing file")
	}
}

func TestNewReaderRejectsInvalidHeader(t *testing.T) {
	t.Parallel()

	payload := []byte("not-a-wav")
	reader := io.NopCloser(bytes.NewReader(payload))
	if _, err := NewReader(reader); err == nil {
		t.Fatalf("expected error for invalid header")
	}
}

func TestNewWriterRejectsInvalidFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.wav")
	if _, err := Create(path, Format{SampleRate: 0, Channels: 1, BitDepth: 16}); err == nil {
		t.Fatalf("expected error for zero sample rate")
	}
}
