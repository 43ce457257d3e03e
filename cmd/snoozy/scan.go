package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/snoozy/internal/device"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for nearby Bluetooth Low Energy devices and list them in the order
they were first seen. With --name or --id the scan stops at the first match.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanName     string
	scanID       string
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan window (defaults to scan_window from the config)")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Only report devices advertising this name")
	scanCmd.Flags().StringVar(&scanID, "id", "", "Only report the device with this address")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	transport, err := newTransport(ctx, e)
	if err != nil {
		return err
	}
	if w, ok := transport.(pageWaiter); ok {
		if err := w.WaitPage(ctx); err != nil {
			return err
		}
	}

	opts := device.ScanOptions{Name: scanName, ID: scanID, Window: e.cfg.ScanWindow}
	if scanDuration > 0 {
		opts.Window = scanDuration
	}

	if scanFormat == "table" {
		fmt.Fprintf(e.out, "Scanning for %s...\n", opts.Window)
	}
	devices, err := transport.Scan(ctx, opts, func(d device.DeviceDescriptor) {
		e.logger.WithFields(logrus.Fields{"id": d.ID, "name": d.Name}).Debug("Discovered device")
	})
	var notFound *device.DeviceNotFoundError
	switch {
	case errors.As(err, &notFound) && !opts.Filtered():
		devices = nil
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		return err
	}

	if scanFormat == "json" {
		return displayDevicesJSON(e.out, devices)
	}
	return displayDevicesTable(e.out, devices)
}

func displayDevicesTable(out io.Writer, devices []device.DeviceDescriptor) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		rssi := "-"
		if d.RSSI != nil {
			rssi = fmt.Sprintf("%d dBm", *d.RSSI)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, d.ID, rssi)
	}
	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []device.DeviceDescriptor) error {
	if devices == nil {
		devices = []device.DeviceDescriptor{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
