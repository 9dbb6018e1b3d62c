// Package flashenv is a wear-levelled key/value environment store for NOR
// flash: a small set of short text "ENV variables" persisted across power
// cycles through a CRC-protected image that slides across a reserved
// region as erase blocks wear out or fail.
//
// Engine is an explicit handle rather than module-level globals: every
// call threads through a handle created by New, so an application can run
// more than one region (e.g. two flash chips) without the packages
// stepping on each other's state.
package flashenv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-flashenv/flashenv/cache"
	"github.com/go-flashenv/flashenv/integrity"
	"github.com/go-flashenv/flashenv/layout"
	"github.com/go-flashenv/flashenv/port"
	"github.com/go-flashenv/flashenv/writer"
)

// KV is one default environment variable, supplied at New and (re-)written
// whenever the persisted image is missing or corrupt.
type KV struct {
	Key   string
	Value string
}

// Engine is a handle over one ENV region on one Port.
type Engine struct {
	port   port.Port
	layout layout.Layout
	cache  *cache.Cache
	writer *writer.Writer

	defaults []KV

	poisoned  bool
	poisonErr error
}

// New validates the region's shape, then loads or defaults the cache
// from flash.
//
//   - rBase, rSize: the ENV region, rSize a multiple of both 4 and e.
//   - e: the device's minimum erase granularity.
//   - u: the RAM cache cap, in bytes, for the detail region's header+body.
//   - defaults: the compile-time default set, written whenever the
//     persisted image is missing or corrupt.
//
// If the region is exhausted while the boot-time default set is being
// committed, New still returns the engine: the system pointer is left
// wiped and the next Save reports ErrEnvFull.
func New(p port.Port, rBase, rSize, e, u uint32, defaults []KV) (*Engine, error) {
	if u%4 != 0 {
		return nil, fmt.Errorf("flashenv: U must be a multiple of 4, got %d", u)
	}
	if u <= cache.HeaderSize {
		return nil, fmt.Errorf("flashenv: U must leave room for the %d-byte header, got %d", cache.HeaderSize, u)
	}
	if rSize%4 != 0 {
		return nil, fmt.Errorf("flashenv: region size must be a multiple of 4, got %d", rSize)
	}
	if rSize%e != 0 {
		return nil, fmt.Errorf("flashenv: region size must be a multiple of the erase block size, got %d %% %d", rSize, e)
	}
	if uint32(len(defaults)) >= u {
		return nil, fmt.Errorf("flashenv: default set too large for U=%d", u)
	}

	l := layout.Layout{RBase: rBase, RSize: rSize, E: e, U: u}

	eng := &Engine{
		port:     p,
		layout:   l,
		cache:    cache.New(l),
		writer:   writer.New(l.NumSlots()),
		defaults: defaults,
	}

	if err := eng.Load(); err != nil && !errors.Is(err, ErrEnvFull) {
		return nil, err
	}
	return eng, nil
}

// Load re-reads the active image from flash, idempotently. It is called
// once from New and may be called again by an application
// that wants to discard in-RAM changes and re-sync with flash.
func (e *Engine) Load() error {
	if e.poisoned {
		return ErrPoisoned
	}

	var head [4]byte
	if err := e.port.Read(e.layout.RBase, head[:]); err != nil {
		return err
	}
	pRead := binary.LittleEndian.Uint32(head[:])

	if pRead == 0xFFFFFFFF || pRead > e.layout.RegionEnd() || pRead < e.layout.FirstSlot() {
		e.cache.SetSlotBase(e.layout.FirstSlot())
		if err := e.writer.SavePointer(e.port, e.layout, e.cache.SlotBase()); err != nil {
			return e.poison(err)
		}
		return e.SetDefaults()
	}

	e.cache.SetSlotBase(pRead)

	var endBuf [4]byte
	if err := e.port.Read(pRead, endBuf[:]); err != nil {
		return err
	}
	endAddr := binary.LittleEndian.Uint32(endBuf[:])

	if endAddr > e.layout.RegionEnd() || endAddr < e.cache.DetailBase() ||
		endAddr-e.cache.DetailBase() > e.layout.U-cache.HeaderSize {
		return e.SetDefaults()
	}

	detailSize := endAddr - e.cache.DetailBase()
	detail := make([]byte, detailSize)
	if err := e.port.Read(e.cache.DetailBase(), detail); err != nil {
		return err
	}

	var crcBuf [4]byte
	if err := e.port.Read(pRead+4, crcBuf[:]); err != nil {
		return err
	}
	crc := binary.LittleEndian.Uint32(crcBuf[:])

	e.cache.LoadRaw(endAddr, crc, detail)

	if !integrity.Verify(e.port, endAddr, crc, e.cache.Detail()) {
		e.port.Print("warning: ENV CRC check failed, resetting to defaults\n")
		return e.SetDefaults()
	}
	return nil
}

// SetDefaults resets the cache to the default set and commits it: the
// reset and inserts run under the port lock, then Save takes its own lock.
func (e *Engine) SetDefaults() error {
	if e.poisoned {
		return ErrPoisoned
	}

	e.port.Lock()
	e.cache.Reset()
	for _, kv := range e.defaults {
		if err := e.cache.Create(kv.Key, kv.Value); err != nil {
			e.port.Print("warning: failed to install default %q: %v\n", kv.Key, err)
		}
	}
	e.port.Unlock()

	return e.Save()
}

// Set mutates key to value; an empty value deletes the key. It mutates the
// cache only — callers invoke Save separately to commit to flash.
func (e *Engine) Set(key, value string) error {
	if e.poisoned {
		return ErrPoisoned
	}

	e.port.Lock()
	err := e.cache.Set(key, value)
	e.port.Unlock()

	return translate(err)
}

// Get returns key's value and whether it was present. The returned string
// is a copy, valid across later mutations.
func (e *Engine) Get(key string) (string, bool) {
	if e.poisoned {
		return "", false
	}
	return e.cache.Get(key)
}

// Save commits the current cache to flash, sliding across erase blocks on
// failure. A fatal failure updating the system pointer poisons the engine.
func (e *Engine) Save() error {
	if e.poisoned {
		return ErrPoisoned
	}

	e.port.Lock()
	err := e.writer.Save(e.cache, e.port, e.layout)
	e.port.Unlock()

	if err == nil {
		return nil
	}
	if errors.Is(err, writer.ErrFatal) {
		return e.poison(err)
	}
	if errors.Is(err, writer.ErrFull) {
		return ErrEnvFull
	}
	return err
}

// PrintEnv writes every record through the port's debug sink, followed by
// a usage summary.
func (e *Engine) PrintEnv() {
	e.cache.Iterate(func(key, value string) bool {
		e.port.Print("%s=%s\n", key, value)
		return true
	})
	e.port.Print(
		"ENV size: %d/%d bytes, write bytes %d/%d, mode: wear leveling.\n",
		e.layout.UsedSize(e.cache.SlotBase(), e.cache.DetailEnd()), e.layout.U,
		e.WriteBytes(), e.layout.RSize,
	)
}

// TotalSize is the ENV region's total size in bytes.
func (e *Engine) TotalSize() uint32 {
	return e.layout.RSize
}

// WriteBytes is the wear indicator: bytes written relative to the region
// start, growing every time the active slot slides.
func (e *Engine) WriteBytes() uint32 {
	return e.layout.WriteBytes(e.cache.DetailEnd())
}

// Poisoned reports whether a fatal write failure has disabled the engine.
func (e *Engine) Poisoned() (bool, error) {
	return e.poisoned, e.poisonErr
}

func (e *Engine) poison(cause error) error {
	e.poisoned = true
	e.poisonErr = cause
	e.port.Print("error: flashenv poisoned: %v\n", cause)
	return cause
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cache.ErrNameInvalid):
		return ErrNameInvalid
	case errors.Is(err, cache.ErrNameExists):
		return ErrNameExists
	case errors.Is(err, cache.ErrNameNotFound):
		return ErrNameNotFound
	case errors.Is(err, cache.ErrFull):
		return ErrEnvFull
	default:
		return err
	}
}
