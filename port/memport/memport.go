// Package memport is an in-memory stand-in for a NOR flash chip. It models
// the property that makes NOR awkward: a byte can only be programmed from
// 1-bits to 0-bits (an erase is required to get 1-bits back). It has no
// notion of an erase block: Erase resets exactly the requested byte range
// and does not round it up to a whole block. It also supports fault
// injection so tests can exercise flashenv's slide-and-retry logic.
package memport

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/go-flashenv/flashenv/port"
)

// Port is an in-memory NOR flash region starting at Base and spanning
// len(buf) bytes, addressable only within that window.
type Port struct {
	mu sync.Mutex

	base uint32
	buf  []byte

	eraseFails map[uint32]int // addr -> remaining forced failures
	writeFails map[uint32]int

	verbose bool
}

// New creates a memory-backed port covering [base, base+size), pre-filled
// with 0xFF as unprogrammed NOR flash reads.
func New(base, size uint32) *Port {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xFF
	}
	return &Port{
		base:       base,
		buf:        buf,
		eraseFails: make(map[uint32]int),
		writeFails: make(map[uint32]int),
	}
}

// SetVerbose toggles whether Print actually writes to stdout.
func (p *Port) SetVerbose(v bool) {
	p.verbose = v
}

// FailEraseAt arranges for the next `times` Erase calls whose address
// equals addr to fail with port.ErrErase.
func (p *Port) FailEraseAt(addr uint32, times int) {
	p.eraseFails[addr] = times
}

// FailWriteAt arranges for the next `times` Write calls whose address
// equals addr to fail with port.ErrWrite.
func (p *Port) FailWriteAt(addr uint32, times int) {
	p.writeFails[addr] = times
}

func (p *Port) offset(addr uint32, length int) (int, error) {
	if addr < p.base || addr+uint32(length) > p.base+uint32(len(p.buf)) {
		return 0, fmt.Errorf("memport: address 0x%08X length %d out of range", addr, length)
	}
	return int(addr - p.base), nil
}

// Read copies length(dst) bytes starting at addr. Never fails once the
// range check passes, matching the core's model of reads as reliable.
func (p *Port) Read(addr uint32, dst []byte) error {
	off, err := p.offset(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, p.buf[off:off+len(dst)])
	return nil
}

// Write programs src at addr by ANDing it into the existing bits, the way
// real NOR flash behaves: a write can only clear bits, never set them.
func (p *Port) Write(addr uint32, src []byte) error {
	if n := p.writeFails[addr]; n > 0 {
		p.writeFails[addr] = n - 1
		return port.ErrWrite
	}

	off, err := p.offset(addr, len(src))
	if err != nil {
		return err
	}
	for i, b := range src {
		p.buf[off+i] &= b
	}
	return nil
}

// Erase sets length bytes at addr back to 0xFF.
func (p *Port) Erase(addr, length uint32) error {
	if n := p.eraseFails[addr]; n > 0 {
		p.eraseFails[addr] = n - 1
		return port.ErrErase
	}

	off, err := p.offset(addr, int(length))
	if err != nil {
		return err
	}
	for i := off; i < off+int(length); i++ {
		p.buf[i] = 0xFF
	}
	return nil
}

func (p *Port) Lock()   { p.mu.Lock() }
func (p *Port) Unlock() { p.mu.Unlock() }

// CRC32 chains into the standard IEEE polynomial via hash/crc32.
func (p *Port) CRC32(seed uint32, buf []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, buf)
}

func (p *Port) Print(format string, args ...any) {
	if !p.verbose {
		return
	}
	fmt.Printf(format, args...)
}

// Snapshot returns a copy of the whole backing buffer, useful for tests
// that simulate a reboot by constructing a fresh Port over the same bytes.
func (p *Port) Snapshot() []byte {
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}

// NewFromSnapshot rebuilds a Port from bytes previously returned by
// Snapshot, simulating a power cycle against the same flash image.
func NewFromSnapshot(base uint32, data []byte) *Port {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Port{
		base:       base,
		buf:        buf,
		eraseFails: make(map[uint32]int),
		writeFails: make(map[uint32]int),
	}
}
