// Package cache holds the RAM mirror of the currently-committed ENV image
// and the primitives that mutate it: find, write, create, delete, set, get,
// and iteration. Nothing in this package touches flash; the boot loader and
// the writer are the only callers that read the cache's raw image for I/O.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/go-flashenv/flashenv/layout"
)

var (
	// ErrNameInvalid covers an empty key or a key containing '='.
	ErrNameInvalid = errors.New("cache: key must be non-empty and must not contain '='")
	// ErrNameExists is returned by Create when the key is already present.
	ErrNameExists = errors.New("cache: key already exists")
	// ErrNameNotFound is returned by Delete when the key is absent.
	ErrNameNotFound = errors.New("cache: key not found")
	// ErrFull is returned by Write when the detail size after appending the
	// record would not stay strictly below the cache's detail capacity
	// (U-8 bytes).
	ErrFull = errors.New("cache: detail region full")
)

// paramPartSize is the 8-byte header (end_addr, crc) at the front of every
// committed image.
const paramPartSize = 8

// HeaderSize is paramPartSize, exported so callers sizing U can validate it
// leaves room for at least the header before any detail bytes.
const HeaderSize = paramPartSize

// Cache is a single contiguous buffer of U bytes: the first 8 bytes mirror
// the on-flash parameter part, the rest mirrors the detail part.
type Cache struct {
	buf    []byte
	p      uint32 // current active slot base address
	layout layout.Layout
	bloom  *bloom.BloomFilter
}

// New allocates a cache sized to l.U and anchored at slot base 0 (callers
// must SetSlotBase before using it for real addresses).
func New(l layout.Layout) *Cache {
	c := &Cache{
		buf:    make([]byte, l.U),
		layout: l,
	}
	c.setDetailEnd(c.DetailBase())
	c.rebuildBloom()
	return c
}

// SetSlotBase records the active slot's base address. It does not touch
// the buffer; callers load or reset detail contents separately.
func (c *Cache) SetSlotBase(p uint32) { c.p = p }

// SlotBase is the active slot's base address.
func (c *Cache) SlotBase() uint32 { return c.p }

// DetailBase is the absolute flash address of the first detail byte.
func (c *Cache) DetailBase() uint32 { return c.p + paramPartSize }

// DetailEnd is the absolute flash address one past the last detail byte,
// as mirrored in the cache's first word.
func (c *Cache) DetailEnd() uint32 { return binary.LittleEndian.Uint32(c.buf[0:4]) }

func (c *Cache) setDetailEnd(v uint32) { binary.LittleEndian.PutUint32(c.buf[0:4], v) }

// CRC is the stored checksum word.
func (c *Cache) CRC() uint32 { return binary.LittleEndian.Uint32(c.buf[4:8]) }

// SetCRC overwrites the stored checksum word.
func (c *Cache) SetCRC(v uint32) { binary.LittleEndian.PutUint32(c.buf[4:8], v) }

// DetailSize is the number of committed detail bytes. It panics if
// detail_end has fallen below detail_base, which would otherwise wrap
// around to a huge unsigned value and surface many calls away as a
// confusing slice-bounds panic in Detail/Image.
func (c *Cache) DetailSize() uint32 {
	end, base := c.DetailEnd(), c.DetailBase()
	if end < base {
		panic(fmt.Sprintf("cache: detail_end 0x%08X below detail_base 0x%08X", end, base))
	}
	return end - base
}

// Detail returns the live detail bytes as a slice into the cache buffer.
// Callers must not retain it across a mutation.
func (c *Cache) Detail() []byte {
	n := c.DetailSize()
	return c.buf[paramPartSize : paramPartSize+n]
}

// Image returns the whole committed image (header + detail) ready to be
// written to flash verbatim.
func (c *Cache) Image() []byte {
	n := c.DetailSize()
	return c.buf[:paramPartSize+n]
}

// Reset empties the detail region, anchoring detail_end at detail_base.
// Used by SetDefaults before the default set is (re)created.
func (c *Cache) Reset() {
	c.setDetailEnd(c.DetailBase())
	c.rebuildBloom()
}

// LoadRaw installs a detail region read back from flash during boot.
func (c *Cache) LoadRaw(endAddr, crc uint32, detail []byte) {
	c.setDetailEnd(endAddr)
	c.SetCRC(crc)
	copy(c.buf[paramPartSize:], detail)
	c.rebuildBloom()
}

// Slide shifts the active slot base and the stored end address by delta.
// The detail bytes themselves are untouched — end_addr is an absolute flash
// address, so relocating the slot means only the stored numbers move, not
// the bytes backing them.
func (c *Cache) Slide(delta uint32) {
	c.p += delta
	c.setDetailEnd(c.DetailEnd() + delta)
}

func validateKey(key string) error {
	if key == "" {
		return ErrNameInvalid
	}
	for i := 0; i < len(key); i++ {
		if key[i] == '=' {
			return ErrNameInvalid
		}
	}
	return nil
}

// padded rounds n up to the next multiple of 4.
func padded(n int) int {
	if n%4 != 0 {
		n = (n/4 + 1) * 4
	}
	return n
}

type record struct {
	offset int // offset within Detail(), start of the "key=value\0" text
	key    string
	value  string
	length int // padded record length in bytes
}

// records walks the detail region from the front, decoding one record per
// step. A malformed trailing fragment (shouldn't happen on a CRC-verified
// image) simply stops the walk early rather than panicking.
func (c *Cache) records() iter.Seq[record] {
	return func(yield func(record) bool) {
		detail := c.Detail()
		pos := 0
		for pos < len(detail) {
			rec, ok := decodeRecordAt(detail, pos)
			if !ok {
				return
			}
			if !yield(rec) {
				return
			}
			pos += rec.length
		}
	}
}

func decodeRecordAt(detail []byte, pos int) (record, bool) {
	rest := detail[pos:]
	eq, term := -1, -1
	for i, b := range rest {
		if b == '=' && eq == -1 {
			eq = i
		}
		if b == 0 {
			term = i
			break
		}
	}
	if eq == -1 || term == -1 || term < eq {
		return record{}, false
	}
	return record{
		offset: pos,
		key:    string(rest[:eq]),
		value:  string(rest[eq+1 : term]),
		length: padded(term + 1),
	}, true
}

func (c *Cache) rebuildBloom() {
	c.bloom = bloom.NewWithEstimates(maxRecords(c.layout.U), 0.01)
	for rec := range c.records() {
		c.bloom.Add([]byte(rec.key))
	}
}

// maxRecords estimates an upper bound on record count for bloom filter
// sizing: the smallest possible record is 4 bytes ("k=\0" padded).
func maxRecords(u uint32) uint {
	n := u / 4
	if n == 0 {
		n = 1
	}
	return uint(n)
}

// Find returns the byte offset (within Detail()) of key's record. The
// bloom filter is consulted first so an absent key short-circuits the
// linear scan; a filter hit still falls through to the real scan since
// bloom filters only rule out absence.
func (c *Cache) Find(key string) (int, bool, error) {
	if key == "" {
		return 0, false, ErrNameInvalid
	}
	if !c.bloom.Test([]byte(key)) {
		return 0, false, nil
	}
	for rec := range c.records() {
		if rec.key == key {
			return rec.offset, true, nil
		}
	}
	return 0, false, nil
}

// Write appends "key=value\0pad" at the end of the detail region with no
// uniqueness check — the primitive Create and default-set loading build on.
func (c *Cache) Write(key, value string) error {
	raw := key + "=" + value + "\x00"
	length := padded(len(raw))

	capacity := c.layout.U - paramPartSize
	if uint32(length)+c.DetailSize() >= capacity {
		return ErrFull
	}

	start := paramPartSize + int(c.DetailSize())
	n := copy(c.buf[start:], raw)
	for i := start + n; i < start+length; i++ {
		c.buf[i] = 0
	}

	c.setDetailEnd(c.DetailEnd() + uint32(length))
	c.bloom.Add([]byte(key))
	return nil
}

// Create validates key, rejects a duplicate, then writes the record.
func (c *Cache) Create(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, ok, _ := c.Find(key); ok {
		return ErrNameExists
	}
	return c.Write(key, value)
}

// Delete removes key's record, shifting the trailing bytes forward.
func (c *Cache) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	offset, ok, err := c.Find(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNameNotFound
	}

	detail := c.Detail()
	rec, _ := decodeRecordAt(detail, offset)
	tail := detail[offset+rec.length:]
	copy(detail[offset:], tail)

	c.setDetailEnd(c.DetailEnd() - uint32(rec.length))
	c.rebuildBloom()
	return nil
}

// Set mutates key to value. An empty value deletes the key, which means
// "unset" and "explicitly set to empty" are the same state. Otherwise an
// existing key is deleted and recreated; a new key is created. The fit
// check runs before any mutation, so a Set that can't fit the new value
// leaves the old record (if any) untouched instead of losing it.
func (c *Cache) Set(key, value string) error {
	if value == "" {
		return c.Delete(key)
	}

	offset, ok, err := c.Find(key)
	if err != nil {
		return err
	}
	if !ok {
		return c.Create(key, value)
	}

	rec, _ := decodeRecordAt(c.Detail(), offset)
	raw := key + "=" + value + "\x00"
	newLength := uint32(padded(len(raw)))
	capacity := c.layout.U - paramPartSize
	if c.DetailSize()-uint32(rec.length)+newLength >= capacity {
		return ErrFull
	}

	if err := c.Delete(key); err != nil {
		return err
	}
	return c.Create(key, value)
}

// Get returns key's value and whether it was found. The value is copied
// out of the cache buffer, so it remains valid across later mutations.
func (c *Cache) Get(key string) (string, bool) {
	offset, ok, err := c.Find(key)
	if err != nil || !ok {
		return "", false
	}
	rec, _ := decodeRecordAt(c.Detail(), offset)
	return rec.value, true
}

// Iterate walks every record in storage order, stopping early if yield
// returns false.
func (c *Cache) Iterate(yield func(key, value string) bool) {
	for rec := range c.records() {
		if !yield(rec.key, rec.value) {
			return
		}
	}
}
