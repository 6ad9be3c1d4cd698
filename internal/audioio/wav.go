package audioio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// HeaderSize is the fixed RIFF/fmt/data header length for PCM WAV files.
const HeaderSize = 44

const maxDataChunkSize = 2 * 1024 * 1024 * 1024 // sanity bound when reading

// Format describes the PCM characteristics of a capture stream.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BlockAlign returns the size of one frame (one sample across all channels).
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

// ByteRate returns the number of PCM bytes per second.
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

func (f Format) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitDepth <= 0 {
		return errors.New("wav: invalid format parameters")
	}
	if f.BitDepth%8 != 0 {
		return fmt.Errorf("wav: bit depth %d not byte aligned", f.BitDepth)
	}
	return nil
}

// WriteSeekCloser combines writing, seeking and closing.
type WriteSeekCloser interface {
	io.WriteSeeker
	io.Closer
}

// Writer incrementally encodes raw PCM bytes into a WAV container. It writes
// a provisional header with zeroed size fields up front and rewrites them on
// Close, so the whole recording never has to sit in memory.
type Writer struct {
	w        WriteSeekCloser
	format   Format
	dataSize uint32
	closed   bool
}

// NewWriter creates a WAV writer with the provided PCM characteristics and
// writes the provisional header.
func NewWriter(w WriteSeekCloser, format Format) (*Writer, error) {
	if w == nil {
		return nil, errors.New("wav: writer nil")
	}
	if err := format.validate(); err != nil {
		return nil, err
	}

	writer := &Writer{
		w:      w,
		format: format,
	}
	if err := writer.writeHeader(); err != nil {
		return nil, err
	}
	return writer, nil
}

// Create opens (exclusively) a new WAV file at path and returns a Writer
// positioned after the provisional header.
func Create(path string, format Format) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wav: create %s: %w", path, err)
	}
	writer, err := NewWriter(file, format)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return writer, nil
}

func (w *Writer) writeHeader() error {
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wav: seek start: %w", err)
	}
	header := make([]byte, HeaderSize)
	copy(header[0:4], "RIFF")
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(header[22:24], uint16(w.format.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(w.format.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(w.format.ByteRate()))
	binary.LittleEndian.PutUint16(header[32:34], uint16(w.format.BlockAlign()))
	binary.LittleEndian.PutUint16(header[34:36], uint16(w.format.BitDepth))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], 0)

	if _, err := w.w.Write(header); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	return nil
}

// Write appends raw PCM bytes verbatim to the data region. Chunks may be of
// arbitrary, non-uniform size; frame alignment is only enforced at Close.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("wav: writer closed")
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := w.w.Write(p)
	if n > 0 {
		w.dataSize += uint32(n)
	}
	return n, err
}

// Close pads any trailing partial frame with silence, rewrites the header
// size fields and closes the underlying writer. Padding rather than
// truncating means captured audio is never discarded. A second Close is a
// no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if rem := int(w.dataSize) % w.format.BlockAlign(); rem != 0 {
		pad := make([]byte, w.format.BlockAlign()-rem)
		n, err := w.w.Write(pad)
		if n > 0 {
			w.dataSize += uint32(n)
		}
		if err != nil {
			w.w.Close()
			return fmt.Errorf("wav: pad final frame: %w", err)
		}
	}

	chunkSize := w.dataSize + 36
	if _, err := w.w.Seek(4, io.SeekStart); err != nil {
		w.w.Close()
		return fmt.Errorf("wav: seek chunk size: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, chunkSize); err != nil {
		w.w.Close()
		return fmt.Errorf("wav: write chunk size: %w", err)
	}
	if _, err := w.w.Seek(40, io.SeekStart); err != nil {
		w.w.Close()
		return fmt.Errorf("wav: seek data size: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, w.dataSize); err != nil {
		w.w.Close()
		return fmt.Errorf("wav: write data size: %w", err)
	}
	return w.w.Close()
}

// DataSize returns the number of PCM bytes written so far (including any
// padding applied at Close).
func (w *Writer) DataSize() int64 {
	return int64(w.dataSize)
}

// TotalSize returns the full container size: header plus data region.
func (w *Writer) TotalSize() int64 {
	return int64(w.dataSize) + HeaderSize
}

// Duration derives playback time from the accumulated PCM byte count.
func (w *Writer) Duration() time.Duration {
	byteRate := w.format.ByteRate()
	if byteRate <= 0 {
		return 0
	}
	return time.Duration(float64(w.dataSize) / float64(byteRate) * float64(time.Second))
}

// Reader provides sequential access to the PCM payload of a WAV stream.
// Used to verify produced artifacts.
type Reader struct {
	rc        io.ReadCloser
	dataSize  uint32
	remaining uint32
	format    Format
}

// NewReader parses a WAV header and prepares to stream the PCM payload.
func NewReader(rc io.ReadCloser) (*Reader, error) {
	if rc == nil {
		return nil, errors.New("wav: reader nil")
	}

	header := make([]byte, 12)
	if _, err := io.ReadFull(rc, header); err != nil {
		return nil, fmt.Errorf("wav: read header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, errors.New("wav: invalid header")
	}

	var (
		fmtParsed  bool
		dataParsed bool
		dataSize   uint32
		format     Format
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(rc, chunkHeader); err != nil {
			return nil, fmt.Errorf("wav: read chunk header: %w", err)
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, errors.New("wav: invalid fmt chunk")
			}
			payload := make([]byte, chunkSize)
			if _, err := io.ReadFull(rc, payload); err != nil {
				return nil, fmt.Errorf("wav: read fmt chunk: %w", err)
			}
			if audioFmt := binary.LittleEndian.Uint16(payload[0:2]); audioFmt != 1 {
				return nil, fmt.Errorf("wav: unsupported audio format %d", audioFmt)
			}
			format = Format{
				Channels:   int(binary.LittleEndian.Uint16(payload[2:4])),
				SampleRate: int(binary.LittleEndian.Uint32(payload[4:8])),
				BitDepth:   int(binary.LittleEndian.Uint16(payload[14:16])),
			}
			if err := format.validate(); err != nil {
				return nil, err
			}
			fmtParsed = true
		case "data":
			if chunkSize > maxDataChunkSize {
				return nil, fmt.Errorf("wav: data chunk too large (%d bytes)", chunkSize)
			}
			dataSize = chunkSize
			dataParsed = true
		default:
			skip := int64(chunkSize)
			if skip%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, rc, skip); err != nil {
				return nil, fmt.Errorf("wav: skip chunk %q: %w", chunkID, err)
			}
		}

		// A data chunk may legitimately be empty: a capture that admits a
		// client who never sends audio still closes to a valid container.
		if fmtParsed && dataParsed {
			break
		}
	}

	return &Reader{
		rc:        rc,
		dataSize:  dataSize,
		remaining: dataSize,
		format:    format,
	}, nil
}

// Read forwards PCM bytes while tracking the remaining payload.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if uint32(len(p)) > r.remaining {
		p = p[:r.remaining]
	}

	n, err := r.rc.Read(p)
	if n > 0 {
		r.remaining -= uint32(n)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	if r.remaining == 0 {
		return n, io.EOF
	}
	return n, nil
}

// Format returns the parsed audio format.
func (r *Reader) Format() Format {
	return r.format
}

// DataSize returns the declared size of the PCM payload.
func (r *Reader) DataSize() int64 {
	return int64(r.dataSize)
}

// Close releases the underlying reader.
func (r *Reader) Close() error {
	if r.rc == nil {
		return nil
	}
	err := r.rc.Close()
	r.rc = nil
	return err
}
