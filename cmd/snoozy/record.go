package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/snoozy/internal/codec"
	"github.com/srg/snoozy/internal/logstore"
	"github.com/srg/snoozy/internal/ringchan"
	"github.com/srg/snoozy/internal/session"
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a live session into today's log",
	Long: `Connect to the Snoozy device, subscribe to its data stream and append every
sample to the log of the day it was received. Samples are printed as they
arrive. Stop with Ctrl+C; a device that drops the link ends the command with
an error after everything received so far has been saved.`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

var (
	recordDuration time.Duration
	recordID       string
	recordBuffer   int
)

func init() {
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "Stop after this long (0 records until interrupted)")
	recordCmd.Flags().StringVar(&recordID, "id", "", "Connect only to the device with this address")
	recordCmd.Flags().IntVar(&recordBuffer, "buffer", 256, "Live display buffer; the oldest samples are skipped when the terminal falls behind")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	if recordBuffer <= 0 {
		return fmt.Errorf("invalid buffer %d: must be positive", recordBuffer)
	}
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if recordDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, recordDuration)
		defer cancel()
	}

	transport, err := newTransport(ctx, e)
	if err != nil {
		return err
	}
	log, _, err := e.log(ctx)
	if err != nil {
		return err
	}
	if w, ok := transport.(pageWaiter); ok {
		if err := w.WaitPage(ctx); err != nil {
			return err
		}
	}

	live := ringchan.New[codec.Sample](recordBuffer)
	ctrl := session.NewController(transport, log, session.Options{
		DeviceName:     e.cfg.DeviceName,
		DeviceID:       recordID,
		ScanWindow:     e.cfg.ScanWindow,
		ConnectTimeout: e.cfg.ConnectTimeout,
		Live:           live,
	}, e.logger)
	defer ctrl.Close()

	events := make(chan session.Event, 16)
	done := make(chan struct{})
	defer close(done)
	ctrl.Observe(func(ev session.Event) {
		if ev.Type == session.EventSample {
			return
		}
		select {
		case events <- ev:
		case <-done:
		}
	})

	fmt.Fprintf(e.out, "Looking for %s...\n", e.cfg.DeviceName)
	h, err := ctrl.Connect(ctx)
	if err != nil {
		return err
	}

	day := logstore.Today()
	fmt.Fprintf(e.out, "Recording from %s (%s). Press Ctrl+C to stop.\n", h.Name, h.ID)
	e.logger.WithFields(logrus.Fields{"id": h.ID, "day": day}).Info("Recording started")

	valueColor := color.New(color.FgGreen).SprintFunc()
	warnColor := color.New(color.FgYellow).SprintFunc()

	var count int64
	printSample := func(s codec.Sample) {
		count++
		fmt.Fprintf(e.out, "%s  %s\n", s.Timestamp(), valueColor(codec.FormatValue(s.Value)))
	}
	finish := func() {
		for _, s := range live.Drain() {
			printSample(s)
		}
		fmt.Fprintf(e.out, "Stopped. %s samples shown.\n", humanize.Comma(count))
		if m := live.GetMetrics(); m.Overwritten > 0 {
			fmt.Fprintf(e.out, "%s samples were saved but not shown.\n", humanize.Comma(m.Overwritten))
		}
	}

	for {
		select {
		case s := <-live.C():
			printSample(s)

		case ev := <-events:
			switch {
			case ev.Type == session.EventStateChanged:
				e.logger.WithField("state", ev.State).Debug("Session state changed")
			case ev.ErrKind == session.KindDisconnectedUnexpectedly:
				finish()
				return fmt.Errorf("%w: %v", ErrConnectionLost, ev.Err)
			default:
				fmt.Fprintln(e.out, warnColor("warning: "+FormatUserError(ev.Err)))
			}

		case <-ctx.Done():
			ctrl.Disconnect()
			finish()
			return nil
		}
	}
}
