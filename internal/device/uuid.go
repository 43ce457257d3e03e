package device

import "strings"

// Nordic UART service and its TX (device → central) characteristic. The
// wearable pushes one sample per notification on the TX characteristic.
const (
	UARTServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	UARTNotifyUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	DefaultDeviceName = "Snoozy"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips a 0x prefix if present (e.g., "0x2902" -> "2902").
// Full 128-bit UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb)
// are reduced to their 16-bit short form (xxxx).
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// SameUUID compares two UUIDs ignoring case, dashes and SIG base expansion.
func SameUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}
