package wav

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/audiolibrelab/tapedeck/internal/audio"
)

// Writer appends raw PCM behind a placeholder header. The header is only
// made authoritative by Finalize, once the writer is closed.
type Writer struct {
	path    string
	file    *os.File
	written int64
}

// Create truncates path and writes a zero-length header for f.
func Create(path string, f audio.Format) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	if _, err := file.Write(EncodeHeader(f, 0)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write placeholder header: %w", err)
	}

	slog.Debug("Opened container", "path", path)
	return &Writer{path: path, file: file}, nil
}

// Path returns the file being written.
func (w *Writer) Path() string {
	return w.path
}

// Written reports the number of PCM bytes appended so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Write appends p unchanged.
func (w *Writer) Write(p []byte) (int, error) {
	if w.file == nil {
		return 0, os.ErrClosed
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// Close closes the underlying file. It does not touch the header.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Finalize rewrites the header of the file at path from its current length.
// Calling it again without further appends produces the same bytes.
func Finalize(path string, f audio.Format) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s for finalize: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	size := info.Size()
	if size < HeaderSize {
		return fmt.Errorf("%s is shorter than a WAV header (%d bytes)", path, size)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek %s: %w", path, err)
	}
	dataSize, clamped := dataSizeField(size - HeaderSize)
	if clamped {
		slog.Warn("Recording exceeds the WAV size limit, header lengths are clamped",
			"path", path, "data_bytes", size-HeaderSize, "max_bytes", uint32(MaxDataSize))
	}
	if _, err := file.Write(EncodeHeader(f, dataSize)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	slog.Debug("Finalized container", "path", path, "data_bytes", size-HeaderSize)
	return file.Sync()
}
