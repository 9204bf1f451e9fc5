package dfu

import "hash/crc32"

// crcAccumulator is a streaming CRC32 (IEEE 802.3) accumulator over one
// object's bytes. It is reset at every Create, since a burst retry always
// rewrites the object from byte 0 of its buffer rather than trying to
// "subtract" bytes out of a running CRC (which IEEE CRC32 does not
// support).
type crcAccumulator struct {
	offset int64
	crc    uint32
}

// reset clears the accumulator to the state of a freshly Created object.
func (a *crcAccumulator) reset() {
	a.offset = 0
	a.crc = 0
}

// update folds b into the running CRC and advances the offset.
func (a *crcAccumulator) update(b []byte) {
	a.crc = crc32.Update(a.crc, crc32.IEEETable, b)
	a.offset += int64(len(b))
}

// crcOf is a one-shot IEEE CRC32 over a byte slice, used to validate a
// resumed prefix against the server-reported crc without mutating any
// running accumulator. CRC32 of an empty slice is 0, matching the
// round-trip law in the specification.
func crcOf(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
