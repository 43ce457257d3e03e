package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/snoozy/internal/history"
	"github.com/srg/snoozy/internal/logstore"
)

var summaryCmd = &cobra.Command{
	Use:   "summary [day]",
	Short: "Show which hours of the day before, the day and the day after have data",
	Long: `Print the recorded span of the selected day and its neighbours, plus an hour
grid marking every hour between the first and the last record. The day is
YYYY-MM-DD, "today" or "yesterday" and defaults to today.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSummary,
}

var showCmd = &cobra.Command{
	Use:   "show <day>",
	Short: "Print a day's log",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var clearCmd = &cobra.Command{
	Use:   "clear <day>",
	Short: "Delete a day's log",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

var exportCmd = &cobra.Command{
	Use:   "export <day> [path]",
	Short: "Save a copy of a day's log",
	Long: `Write a day's log to path. Relative paths and the default name
(sleepData-<day>.csv) land in export_dir. With --interactive the destination
is asked for; an empty answer keeps the suggestion and "-" cancels.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runExport,
}

var (
	summaryFormat     string
	exportInteractive bool
)

func init() {
	summaryCmd.Flags().StringVarP(&summaryFormat, "format", "f", "table", "Output format (table, json)")
	exportCmd.Flags().BoolVarP(&exportInteractive, "interactive", "i", false, "Ask where to save")
}

// parseDayArg accepts YYYY-MM-DD, "today" and "yesterday".
func parseDayArg(args []string) (logstore.Day, error) {
	if len(args) == 0 {
		return logstore.Today(), nil
	}
	switch strings.ToLower(args[0]) {
	case "today":
		return logstore.Today(), nil
	case "yesterday":
		return logstore.Today().AddDays(-1), nil
	}
	return logstore.ParseDay(args[0])
}

// openLog parses the day argument and opens the configured storage.
func openLog(cmd *cobra.Command, args []string) (*env, *logstore.Log, logstore.Backend, logstore.Day, error) {
	day, err := parseDayArg(args)
	if err != nil {
		return nil, nil, nil, "", err
	}
	e, err := newEnv(cmd)
	if err != nil {
		return nil, nil, nil, "", err
	}
	log, backend, err := e.log(cmd.Context())
	if err != nil {
		e.Close()
		return nil, nil, nil, "", err
	}
	return e, log, backend, day, nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	if summaryFormat != "table" && summaryFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", summaryFormat)
	}
	e, log, _, day, err := openLog(cmd, args)
	if err != nil {
		return err
	}
	defer e.Close()

	days, err := history.Window(cmd.Context(), log, day)
	if err != nil {
		return err
	}
	if summaryFormat == "json" {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(days)
	}
	return displaySummary(e.out, day, days)
}

func displaySummary(out io.Writer, selected logstore.Day, days []history.DaySummary) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tFIRST\tLAST\tHOURS")
	for _, d := range days {
		label := d.Day.String()
		if d.Day == selected {
			label += " *"
		}
		if !d.Found {
			fmt.Fprintf(w, "%s\t-\t-\tno data\n", label)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%02d-%02d\n", label, d.Range.First, d.Range.Last, d.Range.FirstHour, d.Range.LastHour)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprint(out, "           ")
	for h := 0; h < 24; h++ {
		fmt.Fprintf(out, "%02d ", h)
	}
	fmt.Fprintln(out)

	mark := color.New(color.FgCyan).SprintFunc()
	for _, d := range days {
		fmt.Fprintf(out, "%s ", d.Day)
		for h := 0; h < 24; h++ {
			if d.Covers(h) {
				fmt.Fprint(out, mark("## "))
			} else {
				fmt.Fprint(out, " . ")
			}
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	e, log, _, day, err := openLog(cmd, args)
	if err != nil {
		return err
	}
	defer e.Close()

	content, err := log.ReadContent(cmd.Context(), day)
	if err != nil {
		return fmt.Errorf("%s: %w", day, err)
	}
	records := strings.Count(content, "\n")
	fmt.Fprintf(cmd.ErrOrStderr(), "# %s: %s records, %s\n", day, humanize.Comma(int64(records)), humanize.Bytes(uint64(len(content))))
	_, err = io.WriteString(e.out, content)
	return err
}

func runClear(cmd *cobra.Command, args []string) error {
	e, log, _, day, err := openLog(cmd, args)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := log.Clear(cmd.Context(), day); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Cleared %s\n", day)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	e, log, backend, day, err := openLog(cmd, args[:1])
	if err != nil {
		return err
	}
	defer e.Close()

	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	saver, canPick := backend.(interface{ SetDialog(logstore.SaveDialog) })
	switch {
	case exportInteractive:
		if !canPick {
			return fmt.Errorf("interactive export is not supported with %s storage", e.cfg.Storage)
		}
		saver.SetDialog(promptDialog(cmd.InOrStdin(), e.out))
	case name != "" && canPick:
		// A path given on the command line is the user's pick, like a dialog answer.
		saver.SetDialog(chosenPath(name))
	}

	res, err := log.Export(cmd.Context(), day, name)
	if err != nil {
		return fmt.Errorf("%s: %w", day, err)
	}
	if res.Canceled {
		fmt.Fprintln(e.out, "Export canceled")
		return nil
	}
	fmt.Fprintf(e.out, "Saved %s to %s\n", day, res.Path)
	return nil
}

// chosenPath answers the save dialog with a fixed path.
func chosenPath(path string) logstore.SaveDialog {
	return func(context.Context, string) (string, bool, error) {
		return path, true, nil
	}
}

// promptDialog asks for the export destination on in.
func promptDialog(in io.Reader, out io.Writer) logstore.SaveDialog {
	reader := bufio.NewReader(in)
	return func(_ context.Context, suggested string) (string, bool, error) {
		fmt.Fprintf(out, "Save as [%s]: ", suggested)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", false, err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "-":
			return "", false, nil
		case line == "" && errors.Is(err, io.EOF):
			return "", false, nil
		case line == "":
			return suggested, true, nil
		}
		return line, true, nil
	}
}
