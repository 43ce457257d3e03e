// Package history answers "when was data recorded" for the days around a
// selected date. Results are recomputed on every call.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/snoozy/internal/logstore"
)

// RangeReader is the slice of logstore.Log the history view reads through.
type RangeReader interface {
	ReadRange(ctx context.Context, day logstore.Day) (logstore.Range, error)
}

// DaySummary is one timetable column.
type DaySummary struct {
	Day   logstore.Day    `json:"day"`
	Found bool            `json:"found"`
	Range *logstore.Range `json:"range,omitempty"`
}

// Hours returns the recorded hours, first through last inclusive.
func (s DaySummary) Hours() []int {
	if !s.Found || s.Range == nil {
		return nil
	}
	hours := make([]int, 0, s.Range.LastHour-s.Range.FirstHour+1)
	for h := s.Range.FirstHour; h <= s.Range.LastHour; h++ {
		hours = append(hours, h)
	}
	return hours
}

// Covers reports whether hour falls inside the recorded span.
func (s DaySummary) Covers(hour int) bool {
	return s.Found && s.Range != nil && hour >= s.Range.FirstHour && hour <= s.Range.LastHour
}

// Summarize reads day's range. A day with no data is not an error: it yields
// Found == false.
func Summarize(ctx context.Context, r RangeReader, day logstore.Day) (DaySummary, error) {
	rng, err := r.ReadRange(ctx, day)
	switch {
	case errors.Is(err, logstore.ErrNotFound):
		return DaySummary{Day: day}, nil
	case err != nil:
		return DaySummary{Day: day}, fmt.Errorf("summarize %s: %w", day, err)
	}
	return DaySummary{Day: day, Found: true, Range: &rng}, nil
}

// VisibleDays returns yesterday, selected and tomorrow relative to selected.
func VisibleDays(selected logstore.Day) []logstore.Day {
	return []logstore.Day{selected.AddDays(-1), selected, selected.AddDays(1)}
}

// Window summarizes every visible day around selected. The first read failure
// aborts the window.
func Window(ctx context.Context, r RangeReader, selected logstore.Day) ([]DaySummary, error) {
	days := VisibleDays(selected)
	out := make([]DaySummary, 0, len(days))
	for _, d := range days {
		s, err := Summarize(ctx, r, d)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
