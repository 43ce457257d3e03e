// Package codec turns raw notification payloads into timestamped samples and
// renders samples as log records.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// TimestampLayout is the on-wire and on-disk clock format. The trailing Z is a
// literal: the clock is local time.
const TimestampLayout = "15:04:05.000Z"

// DayLayout names a per-day log.
const DayLayout = "2006-01-02"

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrNotNumeric   = errors.New("payload is not numeric")
	ErrNotFinite    = errors.New("payload is not a finite number")
	ErrBadTimestamp = errors.New("bad timestamp")
)

// MalformedFrameError is returned when a payload cannot be decoded into a sample.
type MalformedFrameError struct {
	Payload []byte
	Err     error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Payload, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// Sample is one decoded measurement.
type Sample struct {
	Time  time.Time
	Value float64
}

// Timestamp renders the sample clock as HH:MM:SS.mmmZ in local time.
func (s Sample) Timestamp() string {
	return s.Time.Format(TimestampLayout)
}

// Day returns the calendar date key the sample belongs to.
func (s Sample) Day() string {
	return s.Time.Format(DayLayout)
}

// Record renders the sample as a log line including the trailing newline.
func (s Sample) Record() string {
	return s.Timestamp() + "," + FormatValue(s.Value) + "\n"
}

// FormatValue renders a value with the shortest representation that round-trips.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Clock returns the current local time.
type Clock func() time.Time

// Decoder stamps frames with the local wall clock at decode time.
type Decoder struct {
	now Clock
}

// NewDecoder creates a Decoder. A nil clock means time.Now.
func NewDecoder(now Clock) *Decoder {
	if now == nil {
		now = time.Now
	}
	return &Decoder{now: now}
}

// Decode parses one payload as a single numeric scalar. Whitespace anywhere in
// the payload and trailing NUL padding are ignored.
func (d *Decoder) Decode(raw []byte) (Sample, error) {
	ts := d.now().Round(0).Truncate(time.Millisecond)

	text := strings.Map(func(r rune) rune {
		if r == 0 || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, string(bytes.TrimRight(raw, "\x00")))

	if text == "" {
		return Sample{}, &MalformedFrameError{Payload: clone(raw), Err: ErrEmptyFrame}
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Sample{}, &MalformedFrameError{Payload: clone(raw), Err: ErrNotNumeric}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Sample{}, &MalformedFrameError{Payload: clone(raw), Err: ErrNotFinite}
	}

	return Sample{Time: ts, Value: v}, nil
}

// ParseRecord parses a log line back into its clock and value. The returned
// time carries only the time of day on the zero date.
func ParseRecord(line string) (time.Time, float64, error) {
	line = strings.TrimRight(line, "\r\n")
	ts, val, ok := strings.Cut(line, ",")
	if !ok {
		return time.Time{}, 0, fmt.Errorf("record %q: missing separator", line)
	}
	t, err := time.Parse(TimestampLayout, strings.TrimSpace(ts))
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("record %q: %w", line, ErrBadTimestamp)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("record %q: %w", line, ErrNotNumeric)
	}
	return t, v, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
