package testutils

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters need.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions controls how day logs and CLI output are compared.
type TextAssertOptions struct {
	IgnoreEmptyLines         bool `default:"false"`
	IgnoreTrailingWhitespace bool `default:"false"`
	// IgnoreLineOrder compares multisets of lines; used for concurrent output.
	IgnoreLineOrder bool `default:"false"`
	EnableColors    bool `default:"false"`
}

type TextOption func(*TextAssertOptions)

func WithIgnoreEmptyLines() TextOption {
	return func(o *TextAssertOptions) { o.IgnoreEmptyLines = true }
}

func WithIgnoreTrailingWhitespace() TextOption {
	return func(o *TextAssertOptions) { o.IgnoreTrailingWhitespace = true }
}

func WithIgnoreLineOrder() TextOption {
	return func(o *TextAssertOptions) { o.IgnoreLineOrder = true }
}

func WithColors() TextOption {
	return func(o *TextAssertOptions) { o.EnableColors = true }
}

// TextAsserter compares text line by line and reports a unified diff.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t TestingT, opts ...TextOption) *TextAsserter {
	o := TextAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &TextAsserter{t: t, options: o}
}

// Assert reports a failure when actual differs from expected.
func (ta *TextAsserter) Assert(actual, expected string) bool {
	if h, ok := ta.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	diff := ta.Diff(actual, expected)
	if diff == "" {
		return true
	}
	ta.t.Errorf("Text assertion failed - unified diff:\n%s", diff)
	return false
}

// Diff returns an empty string for equal texts, otherwise a unified diff.
func (ta *TextAsserter) Diff(actual, expected string) string {
	a, e := ta.normalize(actual), ta.normalize(expected)
	if a == e {
		return ""
	}

	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	if !ta.options.EnableColors {
		return unified
	}
	return colorize(unified)
}

func (ta *TextAsserter) normalize(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if ta.options.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t\r")
		}
		if ta.options.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	if ta.options.IgnoreLineOrder {
		sort.Strings(out)
	}
	return strings.Join(out, "\n")
}

func colorize(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}
