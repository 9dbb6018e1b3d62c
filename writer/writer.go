// Package writer commits the cache to flash and handles wear-levelling:
// sliding the active slot forward whenever an erase or write attempt fails,
// until either a slot accepts the image or the region is exhausted.
package writer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/go-flashenv/flashenv/cache"
	"github.com/go-flashenv/flashenv/integrity"
	"github.com/go-flashenv/flashenv/layout"
	"github.com/go-flashenv/flashenv/port"
)

// ErrFull is returned when no slot in the region could hold the image.
var ErrFull = errors.New("writer: region exhausted")

// ErrFatal wraps a port error from the system-pointer update. It is never
// returned bare; callers should use errors.Is to detect it and transition
// the engine to a poisoned state.
var ErrFatal = errors.New("writer: system pointer update failed")

const poisonPointer = 0xFFFFFFFF

// Writer commits cache images and remembers, for its own lifetime, which
// data slots have already failed an erase or write, so a later slide never
// retries a block already known bad this session.
type Writer struct {
	bad *bitset.BitSet
}

// New builds a Writer over a region with the given number of data slots.
func New(numSlots uint32) *Writer {
	if numSlots == 0 {
		numSlots = 1
	}
	return &Writer{bad: bitset.New(uint(numSlots))}
}

// Save commits c to flash, sliding across erase blocks on failure. On
// success it persists the system pointer only if the active slot actually
// changed. On exhaustion it poisons the system pointer and returns ErrFull.
// A failure writing the system pointer itself is fatal and wrapped in
// ErrFatal.
func (w *Writer) Save(c *cache.Cache, p port.Port, l layout.Layout) error {
	prev := c.SlotBase()
	detailSize := c.DetailSize()

	for c.SlotBase()+detailSize < l.RegionEnd() {
		crc := integrity.Compute(p, c.DetailEnd(), c.Detail())
		c.SetCRC(crc)

		if err := p.Erase(c.SlotBase(), 8+detailSize); err != nil {
			p.Print("warning: erase failed at 0x%08X: %v\n", c.SlotBase(), err)
			w.markBad(l, c.SlotBase())
			w.slide(c, l)
			continue
		}

		if err := p.Write(c.SlotBase(), c.Image()); err != nil {
			p.Print("warning: write failed at 0x%08X: %v\n", c.SlotBase(), err)
			w.markBad(l, c.SlotBase())
			w.slide(c, l)
			continue
		}

		p.Print("saved ENV OK at 0x%08X\n", c.SlotBase())
		if c.SlotBase() != prev {
			if err := w.SavePointer(p, l, c.SlotBase()); err != nil {
				return fmt.Errorf("%w: %v", ErrFatal, err)
			}
		}
		return nil
	}

	p.Print("error: no available space to save ENV\n")
	if err := w.SavePointer(p, l, poisonPointer); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return ErrFull
}

func (w *Writer) markBad(l layout.Layout, slot uint32) {
	if !l.SlotValid(slot) {
		return
	}
	idx := l.SlotIndex(slot)
	if idx < uint32(w.bad.Len()) {
		w.bad.Set(uint(idx))
	}
}

// slide advances the cache past the current slot, skipping any slot this
// Writer has already seen fail. It always leaves c positioned either on a
// slot worth trying next or past RegionEnd (which the caller's loop
// condition turns into exhaustion).
func (w *Writer) slide(c *cache.Cache, l layout.Layout) {
	for {
		c.Slide(l.E)
		if c.SlotBase() >= l.RegionEnd() {
			return
		}
		idx := l.SlotIndex(c.SlotBase())
		if idx >= uint32(w.bad.Len()) || !w.bad.Test(uint(idx)) {
			return
		}
	}
}

// SavePointer erases the system slot and writes value as the new active
// slot pointer. It is exported so the boot loader can persist a freshly
// initialised pointer without going through a full Save.
func (w *Writer) SavePointer(p port.Port, l layout.Layout, value uint32) error {
	if err := p.Erase(l.RBase, 4); err != nil {
		p.Print("error: erase of system section failed: %v\n", err)
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := p.Write(l.RBase, buf[:]); err != nil {
		p.Print("error: write of system section failed: %v\n", err)
		return err
	}
	return nil
}
