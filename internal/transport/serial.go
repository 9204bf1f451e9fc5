package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"nrfdfu/internal/dfu"
)

// SerialMode is the UART configuration used by every nRF serial DFU
// bootloader: 115200 8N1, no flow control.
var SerialMode = &serial.Mode{
	BaudRate: 115200,
	Parity:   serial.NoParity,
	DataBits: 8,
	StopBits: serial.OneStopBit,
}

// SerialTransport is dfu.Transport over a SLIP-framed UART link. Both the
// control and data channels share the same physical link: a control
// request is one SLIP frame starting with the opcode byte, a data chunk is
// one SLIP frame starting with dfu.OpWrite, and only control frames get a
// response read back.
type SerialTransport struct {
	port serial.Port
	log  *slog.Logger

	mu      sync.Mutex
	closed  bool
	decoder frameDecoder
}

// OpenSerial opens portName at the standard DFU baud rate and returns a
// ready-to-use transport. A nil logger falls back to slog.Default(), the
// same convention as dfu.NewProtocol and driver.New.
func OpenSerial(portName string, logger *slog.Logger) (*SerialTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	port, err := serial.Open(portName, SerialMode)
	if err != nil {
		return nil, dfu.IoError("open_serial", err)
	}
	return &SerialTransport{port: port, log: logger}, nil
}

func (s *SerialTransport) WriteControl(ctx context.Context, payload []byte) error {
	return s.writeFrame(payload)
}

func (s *SerialTransport) WriteData(ctx context.Context, chunk []byte) error {
	framed := make([]byte, 0, len(chunk)+1)
	framed = append(framed, byte(dfu.OpWrite))
	framed = append(framed, chunk...)
	return s.writeFrame(framed)
}

func (s *SerialTransport) writeFrame(payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.log.Debug("write attempted on closed serial transport")
		return dfu.CancelledError("write_serial", fmt.Errorf("transport closed"))
	}
	if _, err := s.port.Write(slipEncode(payload)); err != nil {
		return dfu.IoError("write_serial", err)
	}
	return nil
}

// ReadControl blocks until one complete SLIP frame decodes to a control
// response or timeout elapses. It reads the port one byte at a time, the
// same way the teacher's ESP32 reader does, but through the incremental
// frameDecoder so a read can be resumed across calls without losing a
// partially received frame.
func (s *SerialTransport) ReadControl(ctx context.Context, timeout time.Duration) (dfu.Response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Debug("read attempted on closed serial transport")
		return dfu.Response{}, dfu.CancelledError("read_serial", fmt.Errorf("transport closed"))
	}
	s.mu.Unlock()

	if err := s.port.SetReadTimeout(timeout); err != nil {
		return dfu.Response{}, dfu.IoError("read_serial", err)
	}

	deadline := time.Now().Add(timeout)
	b := make([]byte, 1)
	for {
		if ctx.Err() != nil {
			return dfu.Response{}, dfu.CancelledError("read_serial", ctx.Err())
		}
		if timeout > 0 && time.Now().After(deadline) {
			return dfu.Response{}, dfu.TimeoutError("read_serial", fmt.Errorf("no response within %s", timeout))
		}

		n, err := s.port.Read(b)
		if err != nil {
			return dfu.Response{}, dfu.IoError("read_serial", err)
		}
		if n == 0 {
			return dfu.Response{}, dfu.TimeoutError("read_serial", fmt.Errorf("no response within %s", timeout))
		}

		frame, ok, resynced := s.decoder.feed(b[0])
		if resynced {
			s.log.Warn("serial framing error, resyncing decoder")
			continue
		}
		if !ok {
			continue
		}

		resp, err := decodeResponseFrame(frame)
		if err != nil {
			s.log.Warn("malformed serial control frame", "error", err)
		}
		return resp, err
	}
}

func decodeResponseFrame(frame []byte) (dfu.Response, error) {
	if len(frame) < 3 {
		return dfu.Response{}, dfu.FramingErr("decode_frame", fmt.Errorf("short frame: %d bytes", len(frame)))
	}
	if frame[0] != dfu.ResponseMarker {
		return dfu.Response{}, dfu.FramingErr("decode_frame", fmt.Errorf("missing response marker, got 0x%02X", frame[0]))
	}
	return dfu.Response{
		Opcode: dfu.Opcode(frame[1]),
		Result: dfu.ResultCode(frame[2]),
		Data:   append([]byte(nil), frame[3:]...),
	}, nil
}

func (s *SerialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.decoder.reset()
	return s.port.Close()
}
