package dfu

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Engine is the DFU state machine described in §4.4: it negotiates
// transport parameters once, then drives the init packet (as a Command
// object) and the firmware image (as a sequence of Data objects) through
// Select/Create/burst/CalcCrc/Execute, retrying CRC mismatches and
// resuming from a server-reported offset when one is available.
//
// An Engine is used for exactly one upgrade and discarded; it owns no
// state that outlives Run.
type Engine struct {
	proto *Protocol
	cfg   engineConfig
	log   *slog.Logger
	chunk int
}

// NewEngine builds an Engine over the given Protocol (itself built over a
// Transport — see internal/transport).
func NewEngine(proto *Protocol, opts ...Option) *Engine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{proto: proto, cfg: cfg, log: cfg.logger}
}

// mtuSource is implemented by transports that already know their MTU
// (BLE, from the GATT connection) so Run can skip the MtuGet round trip
// that only makes sense on serial.
type mtuSource interface {
	// GattMTU returns the already-negotiated BLE ATT MTU, or 0 if this
	// transport has none (i.e. it is a serial transport).
	GattMTU() int
}

// Run executes the full upgrade: Probing, then the init packet as a
// Command object, then the firmware image as a Data stream, then Done.
// initSize and fwSize must be the exact uncompressed sizes of the two
// payload readers (the firmware package reports these from the ZIP
// central directory).
func (e *Engine) Run(ctx context.Context, transport Transport, initPayload io.Reader, initSize int64, fwPayload io.Reader, fwSize int64) error {
	if initSize <= 0 {
		return PackageErr("run", errShortPayload("init"))
	}
	if fwSize <= 0 {
		return PackageErr("run", errShortPayload("firmware"))
	}

	isSerial := true
	mtu := 0
	if src, ok := transport.(mtuSource); ok {
		if v := src.GattMTU(); v > 0 {
			mtu = v
			isSerial = false
		}
	}

	if err := e.probe(ctx); err != nil {
		return err
	}

	if isSerial {
		got, err := e.proto.MtuGet(ctx)
		if err != nil {
			return err
		}
		mtu = int(got)
	}
	e.chunk = EffectiveChunk(mtu, isSerial)
	e.log.Info("negotiated transport parameters", "mtu", mtu, "chunk", e.chunk, "serial", isSerial)

	if err := e.streamObjectType(ctx, ObjectCommand, initPayload, initSize); err != nil {
		return err
	}
	if err := e.streamObjectType(ctx, ObjectData, fwPayload, fwSize); err != nil {
		return err
	}

	e.log.Info("upgrade complete")
	return nil
}

// probe implements §4.4.1: ping up to PingAttempts times, then disable PRN.
func (e *Engine) probe(ctx context.Context) error {
	var lastErr error
	for i := 0; i < e.cfg.pingAttempts; i++ {
		err := e.proto.Ping(ctx, byte(i), 2*time.Second)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		e.log.Debug("ping failed, retrying", "attempt", i+1, "error", err)
	}
	if lastErr != nil {
		return lastErr
	}
	return e.proto.SetPRN(ctx, e.cfg.prn)
}

// streamObjectType implements §4.4.2 for one object type end to end:
// Select, optional resume, then the Create/burst/CalcCrc/Execute loop
// until the whole payload has been committed.
func (e *Engine) streamObjectType(ctx context.Context, t ObjectType, payload io.Reader, size int64) error {
	sel, err := e.proto.Select(ctx, t)
	if err != nil {
		return err
	}

	var consumed bytes.Buffer
	objectBase, err := e.resume(io.TeeReader(payload, &consumed), size, sel)
	if err != nil {
		return err
	}
	if objectBase == 0 && consumed.Len() > 0 {
		payload = io.MultiReader(&consumed, payload)
	}

	for objectBase < size {
		objectBytes := sel.MaxSize
		if remaining := size - objectBase; int64(objectBytes) > remaining {
			objectBytes = uint32(remaining)
		}

		buf := make([]byte, objectBytes)
		if _, err := io.ReadFull(payload, buf); err != nil {
			return IoError("read_payload", err)
		}

		if err := e.burstWithRetry(ctx, t, buf, objectBase, size); err != nil {
			return err
		}

		objectBase += int64(objectBytes)
		e.reportProgress(t, objectBase, size)
	}

	return nil
}

// resume implements the resume check in §4.4.2 step 2: if the server
// reports a nonzero offset whose CRC matches the client's own CRC over
// the corresponding payload prefix, skip the local cursor ahead by
// reading (and discarding) that prefix. Otherwise start this type fresh
// (streamObjectType puts any prefix read here back in front of the payload).
func (e *Engine) resume(payload io.Reader, size int64, sel SelectResult) (int64, error) {
	if sel.Offset == 0 || int64(sel.Offset) > size {
		return 0, nil
	}

	prefix := make([]byte, sel.Offset)
	if _, err := io.ReadFull(payload, prefix); err != nil {
		return 0, IoError("read_payload", err)
	}

	if crcOf(prefix) != sel.CRC {
		e.log.Debug("resume crc mismatch, starting object type fresh", "server_offset", sel.Offset)
		return 0, nil
	}

	e.log.Info("resuming transfer", "offset", sel.Offset)
	return int64(sel.Offset), nil
}

// burstWithRetry implements the Create/burst/CalcCrc/Execute cycle for one
// object, retrying on CRC mismatch per §4.4.2 step 3 and §4.4.3 (always
// re-Create on retry, per the Open Questions conservative decision).
func (e *Engine) burstWithRetry(ctx context.Context, t ObjectType, buf []byte, objectBase, totalSize int64) error {
	var acc crcAccumulator

	for attempt := 1; ; attempt++ {
		if err := e.proto.Create(ctx, t, uint32(len(buf))); err != nil {
			return err
		}

		acc.reset()
		if err := e.burstOnce(ctx, buf, &acc, t, objectBase, totalSize); err != nil {
			return err
		}

		got, err := e.proto.CalcCrc(ctx)
		if err != nil {
			return err
		}

		if got.Offset == uint32(len(buf)) && got.CRC == acc.crc {
			return e.proto.Execute(ctx)
		}

		if attempt >= e.cfg.maxRetries {
			return CrcMismatchError("calc_crc", errCrcExceeded(t, objectBase, e.cfg.maxRetries))
		}
		e.log.Debug("crc mismatch, retrying object", "type", t, "object_base", objectBase, "attempt", attempt+1)
	}
}

// burstOnce writes buf to the data channel in chunk-sized pieces,
// maintaining the running CRC, without issuing any control request until
// every chunk has been handed to the transport (§4.4.3).
func (e *Engine) burstOnce(ctx context.Context, buf []byte, acc *crcAccumulator, t ObjectType, objectBase, totalSize int64) error {
	for off := 0; off < len(buf); {
		end := off + e.chunkSizeFor(len(buf) - off)
		if end > len(buf) {
			end = len(buf)
		}
		piece := buf[off:end]
		if err := e.proto.WriteData(ctx, piece); err != nil {
			return err
		}
		acc.update(piece)
		off = end
		e.reportProgress(t, objectBase+int64(off), totalSize)
	}
	return nil
}

// chunkSizeFor is set once per Run via e.chunk but kept as a method so
// burstOnce reads the field through the Engine rather than a captured
// closure variable.
func (e *Engine) chunkSizeFor(remaining int) int {
	if e.chunk <= 0 || e.chunk > remaining {
		return remaining
	}
	return e.chunk
}

func errShortPayload(name string) error {
	return fmt.Errorf("%s payload is empty", name)
}

func errCrcExceeded(t ObjectType, objectBase int64, retries int) error {
	return fmt.Errorf("%s object at offset %d failed CRC check after %d attempts", t, objectBase, retries)
}

func (e *Engine) reportProgress(t ObjectType, done, total int64) {
	if e.cfg.onProgress == nil {
		return
	}
	e.cfg.onProgress(Progress{
		Phase:       "streaming",
		ObjectType:  t,
		ObjectBase:  done,
		ObjectTotal: total,
	})
}
