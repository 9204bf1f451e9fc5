package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nrfdfu/internal/dfu"
)

// BLE GATT identifiers for the Nordic DFU service, per the specification.
const (
	DfuServiceUUID      = "0000fe59-0000-1000-8000-00805f9b34fb"
	ControlCharUUID     = "8ec90001-f315-4f60-9fb8-838830daea50"
	DataCharUUID        = "8ec90002-f315-4f60-9fb8-838830daea50"
	ButtonlessCharUUID  = "8ec90003-f315-4f60-9fb8-838830daea50"
)

// AddressType distinguishes a BLE device's public and random address
// spaces, mirroring the -t/--atype flag.
type AddressType int

const (
	AddressPublic AddressType = iota
	AddressRandom
)

// BleCentral is the narrow capability this package needs from a BLE host
// stack: connect to an address, discover the DFU service's characteristics,
// write to or subscribe on one, and learn the negotiated ATT MTU. No
// concrete GATT driver ships in this repository — a caller plugs in
// whichever host stack (BlueZ over D-Bus, a USB HCI socket, …) is
// available on its platform.
type BleCentral interface {
	Connect(ctx context.Context, addr string, atype AddressType) (BleConnection, error)
}

// BleConnection is one connected GATT session.
type BleConnection interface {
	// MTU returns the ATT MTU negotiated for this connection.
	MTU() int

	// WriteCharacteristic performs a GATT write. withResponse selects
	// Write Request (control channel) over Write Without Response (data
	// channel).
	WriteCharacteristic(ctx context.Context, uuid string, payload []byte, withResponse bool) error

	// Subscribe enables notifications or indications (the characteristic
	// determines which) and delivers each value on the returned channel
	// until the context is cancelled or the connection closes.
	Subscribe(ctx context.Context, uuid string) (<-chan []byte, error)

	Disconnect() error
}

// BleTransport is dfu.Transport over a BleConnection already positioned on
// the DFU control and data characteristics.
type BleTransport struct {
	conn BleConnection
	log  *slog.Logger

	mu       sync.Mutex
	closed   bool
	notifyCh <-chan []byte
}

// NewBleTransport subscribes to the control characteristic's notifications
// and returns a ready-to-use transport. The caller has already run
// BleButtonlessEntry if needed and is handing over the post-hop connection.
// A nil logger falls back to slog.Default(), the same convention as
// dfu.NewProtocol and driver.New.
func NewBleTransport(ctx context.Context, conn BleConnection, logger *slog.Logger) (*BleTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Subscribe(ctx, ControlCharUUID)
	if err != nil {
		return nil, dfu.IoError("ble_subscribe_control", err)
	}
	return &BleTransport{conn: conn, notifyCh: ch, log: logger}, nil
}

// GattMTU implements the mtuSource interface the engine uses to skip the
// serial-only MtuGet round trip.
func (b *BleTransport) GattMTU() int {
	return b.conn.MTU()
}

func (b *BleTransport) WriteControl(ctx context.Context, payload []byte) error {
	if err := b.guardClosed(); err != nil {
		return err
	}
drain:
	for {
		select {
		case v, ok := <-b.notifyCh:
			if !ok {
				break drain
			}
			b.log.Warn("discarding stale ble control notification", "notification", v)
		default:
			break drain
		}
	}
	if err := b.conn.WriteCharacteristic(ctx, ControlCharUUID, payload, true); err != nil {
		return dfu.IoError("write_ble_control", err)
	}
	return nil
}

func (b *BleTransport) WriteData(ctx context.Context, chunk []byte) error {
	if err := b.guardClosed(); err != nil {
		return err
	}
	if err := b.conn.WriteCharacteristic(ctx, DataCharUUID, chunk, false); err != nil {
		return dfu.IoError("write_ble_data", err)
	}
	return nil
}

// ReadControl waits for the next control-characteristic notification.
// WriteControl discards any notification still buffered from earlier before
// it sends a request, so the value returned here is the first to arrive
// after that request.
func (b *BleTransport) ReadControl(ctx context.Context, timeout time.Duration) (dfu.Response, error) {
	if err := b.guardClosed(); err != nil {
		return dfu.Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok := <-b.notifyCh:
		if !ok {
			return dfu.Response{}, dfu.CancelledError("read_ble_control", fmt.Errorf("notification channel closed"))
		}
		resp, err := decodeNotification(v)
		if err != nil {
			b.log.Warn("malformed ble control notification", "error", err)
		}
		return resp, err
	case <-timer.C:
		return dfu.Response{}, dfu.TimeoutError("read_ble_control", fmt.Errorf("no notification within %s", timeout))
	case <-ctx.Done():
		return dfu.Response{}, dfu.CancelledError("read_ble_control", ctx.Err())
	}
}

func decodeNotification(v []byte) (dfu.Response, error) {
	if len(v) < 3 {
		return dfu.Response{}, dfu.FramingErr("decode_notification", fmt.Errorf("short notification: %d bytes", len(v)))
	}
	if v[0] != dfu.ResponseMarker {
		return dfu.Response{}, dfu.FramingErr("decode_notification", fmt.Errorf("missing response marker, got 0x%02X", v[0]))
	}
	return dfu.Response{
		Opcode: dfu.Opcode(v[1]),
		Result: dfu.ResultCode(v[2]),
		Data:   append([]byte(nil), v[3:]...),
	}, nil
}

func (b *BleTransport) guardClosed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Debug("operation attempted on closed ble transport")
		return dfu.CancelledError("ble_transport", fmt.Errorf("transport closed"))
	}
	return nil
}

func (b *BleTransport) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Disconnect()
}

// BleButtonlessEntry implements §4.5: it trips the Buttonless DFU
// characteristic on the application firmware and reconnects to the
// bootloader's address, returning a connection positioned for
// NewBleTransport. It does not check for the buttonless characteristic
// first: if the application firmware does not expose it, the subscribe or
// write step fails and an error is returned (driver.buildTransport then
// connects to addr directly).
func BleButtonlessEntry(ctx context.Context, central BleCentral, addr string, atype AddressType) (BleConnection, error) {
	conn, err := central.Connect(ctx, addr, atype)
	if err != nil {
		return nil, dfu.IoError("ble_connect", err)
	}

	notify, err := conn.Subscribe(ctx, ButtonlessCharUUID)
	if err != nil {
		conn.Disconnect()
		return nil, dfu.IoError("ble_subscribe_buttonless", err)
	}

	if err := conn.WriteCharacteristic(ctx, ButtonlessCharUUID, []byte{0x01}, true); err != nil {
		conn.Disconnect()
		return nil, dfu.IoError("ble_enter_bootloader", err)
	}

	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()

	select {
	case v, ok := <-notify:
		if !ok || len(v) < 3 || v[2] != 0x01 {
			conn.Disconnect()
			return nil, dfu.ServerError("ble_enter_bootloader", dfu.ResultOperationFailed)
		}
	case <-timer.C:
		conn.Disconnect()
		return nil, dfu.TimeoutError("ble_enter_bootloader", fmt.Errorf("no buttonless ack"))
	case <-ctx.Done():
		conn.Disconnect()
		return nil, dfu.CancelledError("ble_enter_bootloader", ctx.Err())
	}

	conn.Disconnect()

	bootloaderAddr, err := hopAddress(addr)
	if err != nil {
		return nil, dfu.IoError("ble_enter_bootloader", err)
	}

	boot, err := central.Connect(ctx, bootloaderAddr, atype)
	if err != nil {
		return nil, dfu.IoError("ble_reconnect", err)
	}
	return boot, nil
}

// hopAddress increments the most significant byte of a colon-separated MAC
// address by one, per the Nordic convention for the bootloader's address
// relative to the application's.
func hopAddress(addr string) (string, error) {
	var b [6]byte
	n, err := fmt.Sscanf(addr, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return "", fmt.Errorf("not a MAC address: %q", addr)
	}
	b[0]++
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}
