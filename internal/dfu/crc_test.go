package dfu

import (
	"hash/crc32"
	"testing"
)

func TestCrcOfEmpty(t *testing.T) {
	if got := crcOf(nil); got != 0 {
		t.Fatalf("crcOf(nil) = %d, want 0", got)
	}
}

func TestCrcAccumulatorMatchesOneShot(t *testing.T) {
	payload := []byte("a fairly ordinary firmware image, chunked across several writes")
	chunks := [][]byte{payload[:10], payload[10:23], payload[23:]}

	var acc crcAccumulator
	for _, c := range chunks {
		acc.update(c)
	}

	want := crc32.ChecksumIEEE(payload)
	if acc.crc != want {
		t.Fatalf("accumulated crc = %08x, want %08x", acc.crc, want)
	}
	if acc.offset != int64(len(payload)) {
		t.Fatalf("accumulated offset = %d, want %d", acc.offset, len(payload))
	}
}

func TestCrcAccumulatorReset(t *testing.T) {
	var acc crcAccumulator
	acc.update([]byte("some bytes"))
	acc.reset()
	if acc.crc != 0 || acc.offset != 0 {
		t.Fatalf("reset left acc = %+v, want zero value", acc)
	}
}
