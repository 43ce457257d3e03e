// Package device defines the transport contract the session layer drives to reach
// the wearable: scanning, connecting, characteristic discovery and notification
// subscription.
//
// Concrete transports live in sub-packages:
//   - goble: in-process BLE stack (HCI on Linux, CoreBluetooth on macOS)
//   - webbt: Web Bluetooth running in a browser page relayed over a websocket
//   - bridge: a host process that owns the radio, reached over IPC
//
// All variants report failures with the typed errors declared here so that the
// session layer can classify them without knowing which transport is active.
package device
