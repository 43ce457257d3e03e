package main

import (
	"errors"
	"fmt"

	"github.com/srg/snoozy/internal/logstore"
	"github.com/srg/snoozy/internal/session"
)

// ErrConnectionLost is returned by record when the device goes away mid-session.
var ErrConnectionLost = errors.New("connection lost")

// FormatUserError turns an error from any layer into the notice a user should see.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrConnectionLost) {
		return "Connection to the device was lost. The session so far has been saved."
	}
	if errors.Is(err, logstore.ErrNotFound) {
		return "No data recorded for that day."
	}

	switch session.Classify(err) {
	case session.KindCapabilityUnavailable:
		return fmt.Sprintf("Bluetooth is not available: %v. Check that the adapter is on and this program may use it.", err)
	case session.KindDeviceNotFound:
		return fmt.Sprintf("%v. Make sure the device is powered on and nearby.", err)
	case session.KindConnection:
		return fmt.Sprintf("Could not connect to the device: %v", err)
	case session.KindSubscribe:
		return fmt.Sprintf("The device does not offer the expected data stream: %v", err)
	case session.KindWrite:
		return fmt.Sprintf("Could not save data: %v", err)
	case session.KindDisconnectedUnexpectedly:
		return "The device disconnected unexpectedly."
	case session.KindCanceled:
		return "Connection attempt canceled."
	}
	if errors.Is(err, session.ErrBusy) {
		return "A session is already active."
	}
	return err.Error()
}
