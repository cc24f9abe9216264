package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/config"
)

// RecordPrefix starts every generated recording name
const RecordPrefix = "Record-"

// dateLayout is used by the "date" naming format
const dateLayout = "2006.01.02 15.04.05"

// ErrCantCreateFile is returned when no new record file could be created.
var ErrCantCreateFile = errors.New("cannot create record file")

var countedName = regexp.MustCompile(`^1*` + regexp.QuoteMeta(RecordPrefix) + `(\d+)\.`)

// FileRepository hands out new, empty files for recordings
type FileRepository struct {
	dir    string
	naming string
	ext    string
	now    func() time.Time
}

// RecordingInfo describes one file in the recordings directory
type RecordingInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// NewFileRepository creates a repository writing into dir. naming is
// config.NamingCounted or config.NamingDate and ext is the file extension
// without the dot.
func NewFileRepository(dir, naming, ext string) *FileRepository {
	return &FileRepository{
		dir:    dir,
		naming: strings.ToLower(naming),
		ext:    strings.TrimPrefix(strings.ToLower(ext), "."),
		now:    time.Now,
	}
}

// NewFileRepositoryFromConfig creates a repository for the configured
// output directory and format.
func NewFileRepositoryFromConfig(cfg *config.Config) *FileRepository {
	return NewFileRepository(cfg.Output.Directory, cfg.Output.Naming, cfg.FileExtension())
}

// RecordingDir returns the directory new recordings are created in.
func (r *FileRepository) RecordingDir() string {
	return r.dir
}

// Extension returns the extension of generated files.
func (r *FileRepository) Extension() string {
	return r.ext
}

// ProvideRecordFile creates a new empty file with a generated name.
func (r *FileRepository) ProvideRecordFile() (string, error) {
	var name string
	if r.naming == config.NamingDate {
		name = RecordPrefix + r.now().Format(dateLayout)
	} else {
		next, err := r.nextIndex()
		if err != nil {
			return "", err
		}
		name = RecordPrefix + strconv.Itoa(next)
	}
	return r.ProvideRecordFileNamed(name + "." + r.ext)
}

// ProvideRecordFileNamed creates a new empty file called name in the
// recordings directory. When the name is taken it is prefixed with "1"
// until a free one is found.
func (r *FileRepository) ProvideRecordFileNamed(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid name %q", ErrCantCreateFile, name)
	}

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("%w: failed to create directory %s: %v", ErrCantCreateFile, r.dir, err)
	}

	for attempt := 0; attempt < 100; attempt++ {
		path := filepath.Join(r.dir, name)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			f.Close()
			slog.Debug("Record file created", "path", path)
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("%w: %v", ErrCantCreateFile, err)
		}
		name = "1" + name
	}

	return "", fmt.Errorf("%w: no free name for %s", ErrCantCreateFile, name)
}

// DeleteRecordFile removes a recording. An empty path is a no-op.
func (r *FileRepository) DeleteRecordFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	slog.Debug("Record file deleted", "path", path)
	return nil
}

// RenameFile gives the recording at path a new base name, keeping its
// directory and extension. It returns the new path.
func (r *FileRepository) RenameFile(path, newName string) (string, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" || strings.ContainsAny(newName, `/\`) || strings.Contains(newName, "..") {
		return "", fmt.Errorf("invalid file name %q", newName)
	}

	target := filepath.Join(filepath.Dir(path), newName+filepath.Ext(path))
	if target == path {
		return path, nil
	}
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("file %s already exists", filepath.Base(target))
	}
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}

	slog.Info("Recording renamed", "from", filepath.Base(path), "to", filepath.Base(target))
	return target, nil
}

// ListRecordings returns the audio files in the recordings directory,
// newest first. A missing directory yields an empty list.
func (r *FileRepository) ListRecordings() ([]RecordingInfo, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var recordings []RecordingInfo
	for _, entry := range entries {
		if entry.IsDir() || !isAudioFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", entry.Name(), "error", err)
			continue
		}
		recordings = append(recordings, RecordingInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(r.dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

// nextIndex returns one more than the highest counted record index
// present in the directory.
func (r *FileRepository) nextIndex() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrCantCreateFile, err)
	}

	highest := 0
	for _, entry := range entries {
		m := countedName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

func isAudioFile(name string) bool {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case config.FormatWAV, config.FormatM4A:
		return true
	}
	return false
}
