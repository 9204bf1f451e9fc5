package dfu

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"time"
)

// fakeServer is a minimal in-memory bootloader: it understands just enough
// of the opcode table to drive Protocol and Engine through the scenarios in
// the package's tests, including resume and CRC-mismatch retries.
type fakeServer struct {
	mtu       uint32
	maxObject uint32

	committed map[ObjectType][]byte // bytes of every executed object of this type, in order
	curType   ObjectType
	curBuf    []byte

	crcLiesRemaining  int // next N CalcCrc responses report a wrong crc
	pingFailRemaining int
	executeCount      int
	writeCalls        int

	forceResult    ResultCode // next response's result, when forceResultSet
	forceResultSet bool

	lastResp Response
	closed   bool
}

// respond builds the next lastResp for op, applying any pending
// forceResult override instead of letting individual opcode handlers
// stomp over it with a hardcoded ResultSuccess.
func (s *fakeServer) respond(op Opcode, data []byte) {
	result := ResultSuccess
	if s.forceResultSet {
		result = s.forceResult
		s.forceResultSet = false
	}
	s.lastResp = Response{Opcode: op, Result: result, Data: data}
}

func newFakeServer(mtu, maxObject uint32) *fakeServer {
	return &fakeServer{
		mtu:       mtu,
		maxObject: maxObject,
		committed: make(map[ObjectType][]byte),
	}
}

func (s *fakeServer) WriteControl(ctx context.Context, req []byte) error {
	op := Opcode(req[0])
	switch op {
	case OpCreate:
		s.curType = ObjectType(req[1])
		s.curBuf = s.curBuf[:0]
		s.respond(op, nil)

	case OpSetPRN:
		s.respond(op, nil)

	case OpCalcCrc:
		offset := uint32(len(s.curBuf))
		crc := crc32.ChecksumIEEE(s.curBuf)
		if s.crcLiesRemaining > 0 {
			crc++
			s.crcLiesRemaining--
		}
		data := make([]byte, 8)
		binary.LittleEndian.PutUint32(data[0:4], offset)
		binary.LittleEndian.PutUint32(data[4:8], crc)
		s.respond(op, data)

	case OpExecute:
		s.executeCount++
		s.committed[s.curType] = append(s.committed[s.curType], s.curBuf...)
		s.curBuf = nil
		s.respond(op, nil)

	case OpSelect:
		t := ObjectType(req[1])
		prior := s.committed[t]
		data := make([]byte, 12)
		binary.LittleEndian.PutUint32(data[0:4], s.maxObject)
		binary.LittleEndian.PutUint32(data[4:8], uint32(len(prior)))
		binary.LittleEndian.PutUint32(data[8:12], crc32.ChecksumIEEE(prior))
		s.respond(op, data)

	case OpMtuGet:
		data := make([]byte, 2)
		binary.LittleEndian.PutUint16(data, uint16(s.mtu))
		s.respond(op, data)

	case OpPing:
		if s.pingFailRemaining > 0 {
			s.pingFailRemaining--
			return TimeoutError("ping", context.DeadlineExceeded)
		}
		s.respond(op, []byte{req[1]})

	default:
		s.lastResp = Response{Opcode: op, Result: ResultOpCodeNotSupported}
	}
	return nil
}

func (s *fakeServer) ReadControl(ctx context.Context, timeout time.Duration) (Response, error) {
	return s.lastResp, nil
}

func (s *fakeServer) WriteData(ctx context.Context, chunk []byte) error {
	s.writeCalls++
	s.curBuf = append(s.curBuf, chunk...)
	return nil
}

func (s *fakeServer) Close() error {
	s.closed = true
	return nil
}

// seedCommitted pre-populates a type's committed bytes, simulating a
// session that was interrupted after partially streaming an object type.
func (s *fakeServer) seedCommitted(t ObjectType, b []byte) {
	s.committed[t] = append([]byte(nil), b...)
}
