package dfu

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"
)

// Protocol maps the logical DFU requests (§4.3) onto opcodes, drives a
// Transport, and turns raw responses into typed results or *Error values.
// It is the only component that knows the wire encoding; DfuEngine calls
// its methods and never builds a frame itself.
type Protocol struct {
	t   Transport
	log *slog.Logger
}

// NewProtocol builds a Protocol over the given Transport.
func NewProtocol(t Transport, log *slog.Logger) *Protocol {
	if log == nil {
		log = slog.Default()
	}
	return &Protocol{t: t, log: log}
}

// roundTrip writes a request and reads back one response, verifying the
// echoed opcode. A mismatched echo is a fatal ProtocolDesync (§4.3).
func (p *Protocol) roundTrip(ctx context.Context, op string, want Opcode, req []byte, timeout time.Duration) (Response, error) {
	if err := p.t.WriteControl(ctx, req); err != nil {
		return Response{}, wrapTransportErr(op, err)
	}
	resp, err := p.t.ReadControl(ctx, timeout)
	if err != nil {
		return Response{}, wrapTransportErr(op, err)
	}
	if resp.Opcode != want {
		return Response{}, DesyncError(op, fmt.Errorf("opcode echo 0x%02X, want 0x%02X", byte(resp.Opcode), byte(want)))
	}
	if resp.Result != ResultSuccess {
		return Response{}, ServerError(op, resp.Result)
	}
	p.log.Debug("dfu roundtrip", "op", op, "opcode", want, "result", resp.Result)
	return resp, nil
}

// wrapTransportErr passes an already-typed *Error through untouched, and
// wraps anything else as an IoError with op context.
func wrapTransportErr(op string, err error) error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return IoError(op, err)
}

// Create issues opcode 0x01: allocate a new object of the given type and
// size. This resets the server's per-object offset and crc to 0.
func (p *Protocol) Create(ctx context.Context, t ObjectType, size uint32) error {
	req := make([]byte, 6)
	req[0] = byte(OpCreate)
	req[1] = byte(t)
	binary.LittleEndian.PutUint32(req[2:], size)
	_, err := p.roundTrip(ctx, "create", OpCreate, req, DefaultTimeout)
	return err
}

// SetPRN issues opcode 0x02: configure (or, with 0, disable) server-side
// Packet Receipt Notifications.
func (p *Protocol) SetPRN(ctx context.Context, prn uint16) error {
	req := make([]byte, 3)
	req[0] = byte(OpSetPRN)
	binary.LittleEndian.PutUint16(req[1:], prn)
	_, err := p.roundTrip(ctx, "set_prn", OpSetPRN, req, DefaultTimeout)
	return err
}

// CalcCrc issues opcode 0x03: ask the server for the offset and running
// CRC32 of the object currently being streamed.
func (p *Protocol) CalcCrc(ctx context.Context) (CrcResult, error) {
	resp, err := p.roundTrip(ctx, "calc_crc", OpCalcCrc, []byte{byte(OpCalcCrc)}, DefaultTimeout)
	if err != nil {
		return CrcResult{}, err
	}
	if len(resp.Data) < 8 {
		return CrcResult{}, DesyncError("calc_crc", fmt.Errorf("short payload: %d bytes", len(resp.Data)))
	}
	return CrcResult{
		Offset: binary.LittleEndian.Uint32(resp.Data[0:4]),
		CRC:    binary.LittleEndian.Uint32(resp.Data[4:8]),
	}, nil
}

// Execute issues opcode 0x04: commit the fully-written, CRC-verified
// object. This is the only durable commit in the protocol (§4.4.3).
func (p *Protocol) Execute(ctx context.Context) error {
	_, err := p.roundTrip(ctx, "execute", OpExecute, []byte{byte(OpExecute)}, DefaultTimeout)
	return err
}

// Select issues opcode 0x06: learn the server's max object size for the
// given type and its current offset/crc (0/0 for a fresh session, nonzero
// when resuming an interrupted transfer).
func (p *Protocol) Select(ctx context.Context, t ObjectType) (SelectResult, error) {
	req := []byte{byte(OpSelect), byte(t)}
	resp, err := p.roundTrip(ctx, "select", OpSelect, req, DefaultTimeout)
	if err != nil {
		return SelectResult{}, err
	}
	if len(resp.Data) < 12 {
		return SelectResult{}, DesyncError("select", fmt.Errorf("short payload: %d bytes", len(resp.Data)))
	}
	return SelectResult{
		MaxSize: binary.LittleEndian.Uint32(resp.Data[0:4]),
		Offset:  binary.LittleEndian.Uint32(resp.Data[4:8]),
		CRC:     binary.LittleEndian.Uint32(resp.Data[8:12]),
	}, nil
}

// MtuGet issues opcode 0x07: learn the data-channel MTU on a serial
// transport. BLE transports learn their MTU from the GATT connection
// instead and do not call this.
func (p *Protocol) MtuGet(ctx context.Context) (uint16, error) {
	resp, err := p.roundTrip(ctx, "mtu_get", OpMtuGet, []byte{byte(OpMtuGet)}, DefaultTimeout)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 2 {
		return 0, DesyncError("mtu_get", fmt.Errorf("short payload: %d bytes", len(resp.Data)))
	}
	return binary.LittleEndian.Uint16(resp.Data[0:2]), nil
}

// Ping issues opcode 0x09 with a probe id and expects the id echoed back.
// A short timeout is used since this is purely a liveness probe (§4.4.1).
func (p *Protocol) Ping(ctx context.Context, id byte, timeout time.Duration) error {
	resp, err := p.roundTrip(ctx, "ping", OpPing, []byte{byte(OpPing), id}, timeout)
	if err != nil {
		return err
	}
	if len(resp.Data) < 1 || resp.Data[0] != id {
		return DesyncError("ping", fmt.Errorf("id echo mismatch"))
	}
	return nil
}

// WriteData streams one chunk on the data channel (opcode 0x08, implicit —
// no response is read). The caller is responsible for chunking and for
// keeping the running CRC in sync.
func (p *Protocol) WriteData(ctx context.Context, chunk []byte) error {
	if err := p.t.WriteData(ctx, chunk); err != nil {
		return wrapTransportErr("write_data", err)
	}
	return nil
}
