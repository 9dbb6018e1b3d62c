// Package integrity computes and verifies the CRC32 that protects a
// committed ENV image: the checksum covers the 4-byte end_addr word
// followed by the detail bytes, chained through the port's CRC32 so the
// polynomial stays whatever the hardware port defines.
package integrity

import (
	"encoding/binary"

	"github.com/go-flashenv/flashenv/port"
)

// Compute returns crc32(0, end_addr) chained with crc32(state, detail).
func Compute(p port.Port, endAddr uint32, detail []byte) uint32 {
	var endBuf [4]byte
	binary.LittleEndian.PutUint32(endBuf[:], endAddr)

	crc := p.CRC32(0, endBuf[:])
	crc = p.CRC32(crc, detail)
	return crc
}

// Verify reports whether storedCRC matches the recomputed checksum over
// endAddr and detail.
func Verify(p port.Port, endAddr, storedCRC uint32, detail []byte) bool {
	return Compute(p, endAddr, detail) == storedCRC
}
