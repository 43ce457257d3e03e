package logstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// SaveDialog asks where to save an export. Returning ok=false cancels it.
type SaveDialog func(ctx context.Context, suggestedName string) (path string, ok bool, err error)

// DirSaver implements Backend.SaveAs by writing into a directory, optionally
// letting a dialog pick the destination.
type DirSaver struct {
	Dir    string
	Dialog SaveDialog
}

// SetDialog makes later exports ask for their destination.
func (s *DirSaver) SetDialog(d SaveDialog) { s.Dialog = d }

// SaveAs writes text to the path the dialog picks. Without a dialog only the
// base name of suggestedName is used, so the file always lands in Dir.
func (s DirSaver) SaveAs(ctx context.Context, text, suggestedName string) (SaveResult, error) {
	var path string
	if s.Dialog != nil {
		p, ok, err := s.Dialog(ctx, suggestedName)
		if err != nil {
			return SaveResult{}, err
		}
		if !ok {
			return SaveResult{Canceled: true}, nil
		}
		path = p
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.Dir, path)
		}
	} else {
		name := filepath.Base(filepath.FromSlash(suggestedName))
		if name == "." || name == ".." || name == string(filepath.Separator) {
			return SaveResult{}, fmt.Errorf("invalid export name %q", suggestedName)
		}
		path = filepath.Join(s.Dir, name)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return SaveResult{}, fmt.Errorf("create export dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return SaveResult{}, fmt.Errorf("write export: %w", err)
	}
	return SaveResult{Saved: true, Path: path}, nil
}

// FileBackend keeps one <day>.csv file per day in a directory.
type FileBackend struct {
	DirSaver

	dir    string
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewFileBackend creates dir if needed. Exports go to exportDir, or dir when empty.
func NewFileBackend(dir, exportDir string, logger *logrus.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	if exportDir == "" {
		exportDir = dir
	}
	logger.WithField("dir", dir).Debug("File log backend ready")
	return &FileBackend{
		DirSaver: DirSaver{Dir: exportDir},
		dir:      dir,
		logger:   logger,
	}, nil
}

// Path returns the file backing day.
func (b *FileBackend) Path(day Day) string {
	return filepath.Join(b.dir, string(day)+".csv")
}

func (b *FileBackend) AppendText(_ context.Context, day Day, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.Path(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &WriteError{Day: day, Err: err}
	}
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return &WriteError{Day: day, Err: err}
	}
	if err := f.Close(); err != nil {
		return &WriteError{Day: day, Err: err}
	}
	return nil
}

func (b *FileBackend) ReadContent(_ context.Context, day Day) (string, error) {
	data, err := os.ReadFile(b.Path(day))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", day, err)
	}
	return string(data), nil
}

func (b *FileBackend) Clear(_ context.Context, day Day) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.Path(day)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
