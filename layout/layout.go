// Package layout computes flash addresses inside an ENV region. Every
// function here is pure: given a region description and the current active
// slot base, it derives the offsets the rest of the engine needs.
package layout

// Layout describes one ENV region: R_base, R_size, the minimum erase
// granularity E, and the RAM cache cap U.
type Layout struct {
	RBase uint32
	RSize uint32
	E     uint32
	U     uint32
}

// RegionEnd returns R_base + R_size, one past the last byte of the region.
func (l Layout) RegionEnd() uint32 {
	return l.RBase + l.RSize
}

// FirstSlot returns the base address of the first data slot, i.e. the
// address right after the system slot.
func (l Layout) FirstSlot() uint32 {
	return l.RBase + l.E
}

// NumSlots returns how many E-sized data slots the region holds.
func (l Layout) NumSlots() uint32 {
	return (l.RSize - l.E) / l.E
}

// SlotValid reports whether p is a legal active-slot base: in range and
// aligned to an erase block boundary.
func (l Layout) SlotValid(p uint32) bool {
	if p < l.FirstSlot() || p >= l.RegionEnd() {
		return false
	}
	return (p-l.RBase)%l.E == 0
}

// SlotIndex maps a slot base address to its zero-based index among data
// slots. Only meaningful when SlotValid(p) holds for some address in range;
// callers that slide past RegionEnd should bounds-check the result.
func (l Layout) SlotIndex(p uint32) uint32 {
	return (p - l.FirstSlot()) / l.E
}

// SlotAddr is the inverse of SlotIndex.
func (l Layout) SlotAddr(idx uint32) uint32 {
	return l.FirstSlot() + idx*l.E
}

// DetailBase is the first byte of the detail part of the slot based at p:
// the parameter part (end_addr, crc) occupies the 8 bytes before it.
func (l Layout) DetailBase(p uint32) uint32 {
	return p + 8
}

// DetailSize is the number of detail bytes currently committed, derived
// from the slot base and the stored (absolute) detail end address.
func (l Layout) DetailSize(p, detailEnd uint32) uint32 {
	return detailEnd - l.DetailBase(p)
}

// UsedSize is the total bytes in use by the active slot, parameter part
// included — the figure reported to the user as "ENV size used".
func (l Layout) UsedSize(p, detailEnd uint32) uint32 {
	return detailEnd - p
}

// WriteBytes is the wear indicator: bytes written relative to the start of
// the whole region, growing every time the active slot slides forward.
func (l Layout) WriteBytes(detailEnd uint32) uint32 {
	return detailEnd - l.RBase
}
