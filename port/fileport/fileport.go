// Package fileport backs a Port with a regular file on disk, so an ENV
// region can persist across process restarts: open-or-create, Stat to
// size it, Sync after every mutation. It applies the same NOR write/erase
// semantics as memport, just against a file window instead of a byte slice.
package fileport

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/go-flashenv/flashenv/port"
)

// Port is a file-backed NOR flash region covering [base, base+size) of
// byte offsets within f (offset = addr - base).
type Port struct {
	mu sync.Mutex

	f    *os.File
	base uint32
	size uint32

	verbose bool
}

// Open opens (creating if needed) path and ensures it is at least size
// bytes long, padded with 0xFF the way unprogrammed NOR flash reads.
func Open(path string, base, size uint32) (*Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fileport: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fileport: stat %s: %w", path, err)
	}

	p := &Port{f: f, base: base, size: size}
	if info.Size() < int64(size) {
		if err := p.growTo(int64(size)); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Port) growTo(size int64) error {
	if _, err := p.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	info, err := p.f.Stat()
	if err != nil {
		return err
	}
	fill := make([]byte, size-info.Size())
	for i := range fill {
		fill[i] = 0xFF
	}
	if _, err := p.f.WriteAt(fill, info.Size()); err != nil {
		return fmt.Errorf("fileport: grow: %w", err)
	}
	return p.f.Sync()
}

// Close releases the backing file.
func (p *Port) Close() error {
	return p.f.Close()
}

func (p *Port) SetVerbose(v bool) { p.verbose = v }

func (p *Port) checkRange(addr uint32, length int) error {
	if addr < p.base || addr+uint32(length) > p.base+p.size {
		return fmt.Errorf("fileport: address 0x%08X length %d out of range", addr, length)
	}
	return nil
}

func (p *Port) Read(addr uint32, dst []byte) error {
	if err := p.checkRange(addr, len(dst)); err != nil {
		return err
	}
	_, err := p.f.ReadAt(dst, int64(addr-p.base))
	return err
}

func (p *Port) Write(addr uint32, src []byte) error {
	if err := p.checkRange(addr, len(src)); err != nil {
		return err
	}

	existing := make([]byte, len(src))
	if _, err := p.f.ReadAt(existing, int64(addr-p.base)); err != nil {
		return fmt.Errorf("%w: %v", port.ErrWrite, err)
	}
	for i, b := range src {
		existing[i] &= b
	}
	if _, err := p.f.WriteAt(existing, int64(addr-p.base)); err != nil {
		return fmt.Errorf("%w: %v", port.ErrWrite, err)
	}
	return p.f.Sync()
}

func (p *Port) Erase(addr, length uint32) error {
	if err := p.checkRange(addr, int(length)); err != nil {
		return err
	}
	fill := make([]byte, length)
	for i := range fill {
		fill[i] = 0xFF
	}
	if _, err := p.f.WriteAt(fill, int64(addr-p.base)); err != nil {
		return fmt.Errorf("%w: %v", port.ErrErase, err)
	}
	return p.f.Sync()
}

func (p *Port) Lock()   { p.mu.Lock() }
func (p *Port) Unlock() { p.mu.Unlock() }

func (p *Port) CRC32(seed uint32, buf []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, buf)
}

func (p *Port) Print(format string, args ...any) {
	if !p.verbose {
		return
	}
	fmt.Printf(format, args...)
}
