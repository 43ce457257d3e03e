// Package logstore persists samples as append-only per-day text logs and
// answers summary queries over them.
//
// A Log is backed by exactly one Backend chosen at startup: plain files, a
// key-value store holding one value per day, or a host process reached over IPC.
package logstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/snoozy/internal/codec"
)

// ErrNotFound reports a day without data. It is a steady-state outcome, not a fault.
var ErrNotFound = errors.New("no data for day")

// WriteError is returned when an append cannot be made durable.
type WriteError struct {
	Day Day
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write log %s: %v", e.Day, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Range is the compact summary of a day: the hours of its first and last records.
type Range struct {
	FirstHour int    `json:"firstHour"`
	LastHour  int    `json:"lastHour"`
	First     string `json:"first"`
	Last      string `json:"last"`
}

// SaveResult reports the outcome of an export. Exactly one of Saved or Canceled is set.
type SaveResult struct {
	Saved    bool   `json:"success,omitempty"`
	Path     string `json:"path,omitempty"`
	Canceled bool   `json:"canceled,omitempty"`
}

// Backend is the host-specific storage boundary. Every call addresses one day.
type Backend interface {
	AppendText(ctx context.Context, day Day, text string) error
	// ReadContent returns ErrNotFound when the day has never been written.
	ReadContent(ctx context.Context, day Day) (string, error)
	Clear(ctx context.Context, day Day) error
	SaveAs(ctx context.Context, text, suggestedName string) (SaveResult, error)
}

// Summarizer is implemented by backends that can compute a Range without
// shipping the full content, e.g. across a process boundary.
type Summarizer interface {
	ReadSummary(ctx context.Context, day Day) (Range, error)
}

// Log is the persistence adapter the session layer appends to.
type Log struct {
	backend Backend
	logger  *logrus.Logger
}

func New(backend Backend, logger *logrus.Logger) *Log {
	if logger == nil {
		logger = logrus.New()
	}
	return &Log{backend: backend, logger: logger}
}

// Append writes one record for s to day's log.
func (l *Log) Append(ctx context.Context, day Day, s codec.Sample) error {
	if err := l.backend.AppendText(ctx, day, s.Record()); err != nil {
		var we *WriteError
		if errors.As(err, &we) {
			return err
		}
		return &WriteError{Day: day, Err: err}
	}
	return nil
}

// ReadRange reports the hour bounds of day's log, or ErrNotFound for an absent or empty day.
func (l *Log) ReadRange(ctx context.Context, day Day) (Range, error) {
	if s, ok := l.backend.(Summarizer); ok {
		return s.ReadSummary(ctx, day)
	}
	content, err := l.backend.ReadContent(ctx, day)
	if err != nil {
		return Range{}, err
	}
	r, err := Summarize(content)
	if err != nil {
		return Range{}, fmt.Errorf("%s: %w", day, err)
	}
	return r, nil
}

// ReadContent returns the raw text of day's log.
func (l *Log) ReadContent(ctx context.Context, day Day) (string, error) {
	content, err := l.backend.ReadContent(ctx, day)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", ErrNotFound
	}
	return content, nil
}

// Clear empties day's log. Clearing an absent day succeeds.
func (l *Log) Clear(ctx context.Context, day Day) error {
	if err := l.backend.Clear(ctx, day); err != nil {
		return fmt.Errorf("clear %s: %w", day, err)
	}
	l.logger.WithField("day", day).Info("Cleared day log")
	return nil
}

// Export hands day's content to the backend's save dialog. An empty name
// uses SuggestedName.
func (l *Log) Export(ctx context.Context, day Day, name string) (SaveResult, error) {
	content, err := l.ReadContent(ctx, day)
	if err != nil {
		return SaveResult{}, err
	}
	if name == "" {
		name = SuggestedName(day)
	}
	res, err := l.backend.SaveAs(ctx, content, name)
	if err != nil {
		return SaveResult{}, fmt.Errorf("export %s: %w", day, err)
	}
	l.logger.WithFields(logrus.Fields{
		"day":      day,
		"path":     res.Path,
		"canceled": res.Canceled,
	}).Info("Export finished")
	return res, nil
}

// SuggestedName is the default export file name for day.
func SuggestedName(day Day) string {
	return "sleepData-" + string(day) + ".csv"
}

// Summarize computes a Range from log text using its first and last parseable
// records. Unparseable lines are skipped.
func Summarize(content string) (Range, error) {
	var first, last time.Time
	found := false

	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ts, _, err := codec.ParseRecord(line)
		if err != nil {
			continue
		}
		if !found {
			first = ts
			found = true
		}
		last = ts
	}
	if err := sc.Err(); err != nil {
		return Range{}, err
	}
	if !found {
		return Range{}, ErrNotFound
	}
	return Range{
		FirstHour: first.Hour(),
		LastHour:  last.Hour(),
		First:     first.Format(codec.TimestampLayout),
		Last:      last.Format(codec.TimestampLayout),
	}, nil
}
