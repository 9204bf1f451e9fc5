package dfu

import (
	"context"
	"testing"
	"time"
)

func TestProtocolCreateSelectRoundTrip(t *testing.T) {
	srv := newFakeServer(256, 512)
	p := NewProtocol(srv, nil)
	ctx := context.Background()

	if err := p.Create(ctx, ObjectData, 100); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.WriteData(ctx, []byte("hello")); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	got, err := p.CalcCrc(ctx)
	if err != nil {
		t.Fatalf("CalcCrc: %v", err)
	}
	if got.Offset != 5 {
		t.Fatalf("CalcCrc offset = %d, want 5", got.Offset)
	}
	if err := p.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sel, err := p.Select(ctx, ObjectData)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Offset != 5 || sel.MaxSize != 512 {
		t.Fatalf("Select = %+v, want offset=5 maxSize=512", sel)
	}
}

func TestProtocolMtuGetAndPing(t *testing.T) {
	srv := newFakeServer(247, 512)
	p := NewProtocol(srv, nil)
	ctx := context.Background()

	mtu, err := p.MtuGet(ctx)
	if err != nil {
		t.Fatalf("MtuGet: %v", err)
	}
	if mtu != 247 {
		t.Fatalf("MtuGet = %d, want 247", mtu)
	}

	if err := p.Ping(ctx, 7, DefaultTimeout); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestProtocolServerErrorPropagates(t *testing.T) {
	srv := newFakeServer(256, 512)
	ctx := context.Background()
	if err := srv.WriteControl(ctx, []byte{byte(OpCreate), byte(ObjectData), 0, 0, 0, 0}); err != nil {
		t.Fatalf("seed Create: %v", err)
	}

	// Execute's own roundTrip issues a fresh WriteControl, so the forced
	// result must be queued for that call rather than poked into lastResp
	// directly (the OpExecute handler would just overwrite it).
	srv.forceResult = ResultInvalidObject
	srv.forceResultSet = true

	p := NewProtocol(srv, nil)
	err := p.Execute(ctx)
	if err == nil {
		t.Fatal("expected an error")
	}
	dfuErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err = %T, want *Error", err)
	}
	if dfuErr.Kind != KindServerError || dfuErr.Code != ResultInvalidObject {
		t.Fatalf("err = %+v, want KindServerError/ResultInvalidObject", dfuErr)
	}
}

// echoWrongOpcodeTransport acks every control write with a response that
// claims to be for a different opcode, to exercise Protocol's opcode-echo
// desync check independently of any particular fakeServer behavior.
type echoWrongOpcodeTransport struct{}

func (echoWrongOpcodeTransport) WriteControl(ctx context.Context, payload []byte) error { return nil }

func (echoWrongOpcodeTransport) ReadControl(ctx context.Context, timeout time.Duration) (Response, error) {
	return Response{Opcode: OpPing, Result: ResultSuccess}, nil
}

func (echoWrongOpcodeTransport) WriteData(ctx context.Context, chunk []byte) error { return nil }

func (echoWrongOpcodeTransport) Close() error { return nil }

func TestProtocolOpcodeEchoMismatchIsDesync(t *testing.T) {
	p := NewProtocol(echoWrongOpcodeTransport{}, nil)
	_, err := p.CalcCrc(context.Background())
	dfuErr, ok := err.(*Error)
	if !ok || dfuErr.Kind != KindProtocolDesync {
		t.Fatalf("err = %v, want KindProtocolDesync", err)
	}
}

// shortCalcCrcTransport answers every control write with a successful
// CalcCrc response whose payload is too short to hold offset and crc
// (fakeServer cannot: its CalcCrc handler rebuilds a full 8-byte reply on
// every request).
type shortCalcCrcTransport struct{}

func (shortCalcCrcTransport) WriteControl(ctx context.Context, payload []byte) error { return nil }

func (shortCalcCrcTransport) ReadControl(ctx context.Context, timeout time.Duration) (Response, error) {
	return Response{Opcode: OpCalcCrc, Result: ResultSuccess, Data: []byte{1, 2, 3}}, nil
}

func (shortCalcCrcTransport) WriteData(ctx context.Context, chunk []byte) error { return nil }

func (shortCalcCrcTransport) Close() error { return nil }

func TestProtocolCalcCrcShortPayloadIsDesync(t *testing.T) {
	p := NewProtocol(shortCalcCrcTransport{}, nil)
	_, err := p.CalcCrc(context.Background())
	dfuErr, ok := err.(*Error)
	if !ok || dfuErr.Kind != KindProtocolDesync {
		t.Fatalf("err = %v, want KindProtocolDesync", err)
	}
}
