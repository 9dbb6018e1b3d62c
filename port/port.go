// Package port declares the hardware boundary flashenv's core is built
// against. A real port talks to NOR flash registers; flashenv ships an
// in-memory reference implementation for tests (see port/memport) and a
// file-backed one used by the cmd/flashenvctl demo (see port/fileport).
package port

import "errors"

// ErrErase is returned by Erase when the underlying erase cycle fails.
var ErrErase = errors.New("port: erase failed")

// ErrWrite is returned by Write when the underlying program cycle fails.
var ErrWrite = errors.New("port: write failed")

// Port is the raw flash contract the core consumes. addr is always an
// absolute flash address; Write and Erase operate on word-aligned,
// word-sized ranges (Erase additionally rounds its length up to whole erase
// blocks on real hardware; the core passes unrounded lengths: 8 plus the
// detail size for an image, 4 for the system pointer).
type Port interface {
	// Read never fails in the core's model: flash reads are assumed
	// reliable, only programming and erasing can fail.
	Read(addr uint32, dst []byte) error
	Write(addr uint32, src []byte) error
	Erase(addr, length uint32) error

	// Lock/Unlock guard each cache mutation and, as a separate critical
	// section, each commit. The core never nests calls, so a
	// non-reentrant mutex is fine.
	Lock()
	Unlock()

	// CRC32 chains into a running checksum, seed on the first call is 0.
	CRC32(seed uint32, buf []byte) uint32

	// Print is the debug sink; implementations may no-op.
	Print(format string, args ...any)
}
