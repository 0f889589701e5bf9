// Package punyerr defines the error taxonomy shared by every package in
// punytunes-core. Session actors translate transport faults into one of
// these before reporting a disconnect status; managers only ever log them.
package punyerr

import "fmt"

// UnknownDeviceError is returned when a UDN is not present in a manager's
// current device list.
type UnknownDeviceError struct {
	UDN string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("device with UDN %q is not in the list of discovered devices", e.UDN)
}

// StoreError wraps a failure from the persisted key/value collaborator.
type StoreError struct {
	Msg string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StoreError) Unwrap() error { return e.Err }

// UPnPError wraps a failure from the UPnP discovery transport.
type UPnPError struct {
	Err error
}

func (e *UPnPError) Error() string { return fmt.Sprintf("UPnP discovery error: %v", e.Err) }
func (e *UPnPError) Unwrap() error { return e.Err }

// IOError wraps a generic transport I/O failure.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// WebSocketError is a generic WebSocket failure carrying a free-text reason.
type WebSocketError struct {
	Reason string
}

func (e *WebSocketError) Error() string { return e.Reason }

// ErrWebSocketConnectionClosed is returned when the peer closes the
// connection explicitly (a WebSocket Close frame).
var ErrWebSocketConnectionClosed = staticError("WebSocket connection closed by server")

// ErrWebSocketTimeout is returned when a connect attempt does not complete
// within its allotted timeout.
var ErrWebSocketTimeout = staticError("WebSocket connection timed out")

// ErrWebSocketClientLostConnection is returned by the watchdog / test-pong
// timeout paths, and by read errors observed while testing the connection.
var ErrWebSocketClientLostConnection = staticError("WebSocket client has lost its connection to the server")

// AmplifierError wraps a protocol or host-resolution failure from the
// amplifier's line-delimited TCP transport.
type AmplifierError struct {
	Reason string
}

func (e *AmplifierError) Error() string { return e.Reason }

// ErrAmplifierLostConnection is returned by the amplifier session's
// heartbeat watchdog and test-connection timeout paths.
var ErrAmplifierLostConnection = staticError("amplifier has lost its connection to the host")

type staticErr string

func (e staticErr) Error() string { return string(e) }

func staticError(msg string) error { return staticErr(msg) }
