package dfu

import (
	"context"
	"time"
)

// Transport is the capability DfuProtocol drives. SerialTransport and
// BleTransport (internal/transport) are its two implementations; DfuEngine
// only ever sees this interface, never the concrete transport.
type Transport interface {
	// WriteControl sends a control request. Implementations return an
	// *Error with KindIoError on failure.
	WriteControl(ctx context.Context, payload []byte) error

	// ReadControl blocks for one complete response (a decoded frame on
	// serial, a notification on BLE) or until timeout elapses.
	// Implementations return an *Error with KindTimeout or KindIoError on
	// failure, and KindCancelled if Close races the wait.
	ReadControl(ctx context.Context, timeout time.Duration) (Response, error)

	// WriteData sends one fire-and-forget chunk on the data channel.
	WriteData(ctx context.Context, chunk []byte) error

	// Close releases the transport. Idempotent.
	Close() error
}
