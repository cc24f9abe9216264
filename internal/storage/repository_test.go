package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/config"
)

func TestProvideRecordFileCounted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "records")
	repo := NewFileRepository(dir, config.NamingCounted, "wav")

	first, err := repo.ProvideRecordFile()
	if err != nil {
		t.Fatalf("ProvideRecordFile() error: %v", err)
	}
	if filepath.Base(first) != "Record-1.wav" {
		t.Errorf("first file = %s, want Record-1.wav", filepath.Base(first))
	}

	info, err := os.Stat(first)
	if err != nil {
		t.Fatalf("file was not created: %v", err)
	}
	if !info.Mode().IsRegular() || info.Size() != 0 {
		t.Errorf("expected empty regular file, got mode=%v size=%d", info.Mode(), info.Size())
	}

	second, err := repo.ProvideRecordFile()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(second) != "Record-2.wav" {
		t.Errorf("second file = %s, want Record-2.wav", filepath.Base(second))
	}
}

func TestProvideRecordFileCountedContinuesAfterHighest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Record-3.wav", "1Record-7.m4a", "notes.txt", "Record-x.wav"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	path, err := NewFileRepository(dir, config.NamingCounted, "wav").ProvideRecordFile()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "Record-8.wav" {
		t.Errorf("file = %s, want Record-8.wav", filepath.Base(path))
	}
}

func TestProvideRecordFileDate(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(dir, config.NamingDate, ".M4A")
	repo.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local) }

	first, err := repo.ProvideRecordFile()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first) != "Record-2024.03.09 14.05.07.m4a" {
		t.Errorf("file = %q", filepath.Base(first))
	}

	// same second: the name is taken and gets prefixed
	second, err := repo.ProvideRecordFile()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(second) != "1Record-2024.03.09 14.05.07.m4a" {
		t.Errorf("file = %q", filepath.Base(second))
	}
}

func TestProvideRecordFileNamed(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(dir, config.NamingCounted, "wav")

	path, err := repo.ProvideRecordFileNamed("take.wav")
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "take.wav") {
		t.Errorf("path = %s", path)
	}

	again, err := repo.ProvideRecordFileNamed("take.wav")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(again) != "1take.wav" {
		t.Errorf("collision name = %s, want 1take.wav", filepath.Base(again))
	}

	for _, bad := range []string{"", "..", "a/b.wav"} {
		if _, err := repo.ProvideRecordFileNamed(bad); !errors.Is(err, ErrCantCreateFile) {
			t.Errorf("ProvideRecordFileNamed(%q) error = %v, want ErrCantCreateFile", bad, err)
		}
	}
}

func TestProvideRecordFileUnwritableDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	repo := NewFileRepository(filepath.Join(blocker, "records"), config.NamingCounted, "wav")
	if _, err := repo.ProvideRecordFile(); !errors.Is(err, ErrCantCreateFile) {
		t.Errorf("expected ErrCantCreateFile, got: %v", err)
	}
}

func TestRenameAndDelete(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(dir, config.NamingCounted, "wav")

	path, err := repo.ProvideRecordFile()
	if err != nil {
		t.Fatal(err)
	}

	renamed, err := repo.RenameFile(path, "Morning session")
	if err != nil {
		t.Fatalf("RenameFile() error: %v", err)
	}
	if renamed != filepath.Join(dir, "Morning session.wav") {
		t.Errorf("renamed = %s", renamed)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("old file still exists")
	}

	if _, err := repo.RenameFile(renamed, "../escape"); err == nil {
		t.Error("expected error for name with path separator")
	}

	other, _ := repo.ProvideRecordFile()
	if _, err := repo.RenameFile(other, "Morning session"); err == nil {
		t.Error("expected error when target exists")
	}

	if err := repo.DeleteRecordFile(renamed); err != nil {
		t.Fatalf("DeleteRecordFile() error: %v", err)
	}
	if _, err := os.Stat(renamed); !os.IsNotExist(err) {
		t.Error("file was not deleted")
	}
	if err := repo.DeleteRecordFile(renamed); err != nil {
		t.Errorf("deleting a missing file should succeed, got: %v", err)
	}
	if err := repo.DeleteRecordFile(""); err != nil {
		t.Errorf("empty path should be a no-op, got: %v", err)
	}
}

func TestListRecordings(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(dir, config.NamingCounted, "wav")

	if list, err := NewFileRepository(filepath.Join(dir, "missing"), config.NamingCounted, "wav").ListRecordings(); err != nil || len(list) != 0 {
		t.Errorf("missing dir: got %v, %v", list, err)
	}

	old := filepath.Join(dir, "old.wav")
	newer := filepath.Join(dir, "new.m4a")
	for _, p := range []string{old, newer, filepath.Join(dir, "notes.txt")} {
		if err := os.WriteFile(p, []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.wav"), 0755); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	list, err := repo.ListRecordings()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d recordings, want 2: %+v", len(list), list)
	}
	if list[0].Name != "new.m4a" || list[1].Name != "old.wav" {
		t.Errorf("order = %s, %s; want newest first", list[0].Name, list[1].Name)
	}
	if list[0].Size != 4 || list[0].Path != newer {
		t.Errorf("unexpected info %+v", list[0])
	}
}

func TestNewFileRepositoryFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Recorder.Backend = config.BackendEncoder

	repo := NewFileRepositoryFromConfig(cfg)
	if repo.Extension() != config.FormatM4A {
		t.Errorf("extension = %s, want m4a", repo.Extension())
	}
	if repo.RecordingDir() != cfg.Output.Directory {
		t.Errorf("dir = %s", repo.RecordingDir())
	}
}
