package cache

import (
	"fmt"
	"testing"

	"github.com/go-flashenv/flashenv/layout"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	l := layout.Layout{RBase: 0, RSize: 0x2000, E: 0x1000, U: 64}
	c := New(l)
	c.SetSlotBase(0)
	c.Reset()
	return c
}

func TestNewProducesAnEmptyUsableCache(t *testing.T) {
	l := layout.Layout{RBase: 0, RSize: 0x2000, E: 0x1000, U: 64}
	c := New(l)

	if c.DetailSize() != 0 {
		t.Fatalf("DetailSize() = %d, want 0", c.DetailSize())
	}
	if len(c.Detail()) != 0 {
		t.Fatalf("Detail() = %d bytes, want 0", len(c.Detail()))
	}
	if _, ok, err := c.Find("anything"); ok || err != nil {
		t.Fatalf("Find on fresh cache = %v, %v, want false, nil", ok, err)
	}
}

func TestSetOnFullCacheLeavesExistingValueIntact(t *testing.T) {
	l := layout.Layout{RBase: 0, RSize: 0x2000, E: 0x1000, U: 32}
	c := New(l)
	c.SetSlotBase(0)
	c.Reset()

	if err := c.Create("k", "v"); err != nil {
		t.Fatal(err)
	}

	if err := c.Set("k", "a value far too long to fit in the 24-byte detail capacity"); err != ErrFull {
		t.Fatalf("got %v, want ErrFull", err)
	}

	v, ok := c.Get("k")
	if !ok || v != "v" {
		t.Fatalf("k = %q, %v, want v, true — Set must not lose the old value on ErrFull", v, ok)
	}
}

func TestCreateFindGet(t *testing.T) {
	c := newTestCache(t)

	if err := c.Create("a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Create("bb", "22"); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := c.Find("a"); !ok {
		t.Fatal("expected to find a")
	}
	if v, ok := c.Get("bb"); !ok || v != "22" {
		t.Fatalf("Get(bb) = %q, %v, want 22, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected missing key to be absent")
	}
}

func TestCreateRejectsInvalidAndDuplicateKeys(t *testing.T) {
	c := newTestCache(t)

	if err := c.Create("", "x"); err != ErrNameInvalid {
		t.Fatalf("empty key: got %v, want ErrNameInvalid", err)
	}
	if err := c.Create("a=b", "x"); err != ErrNameInvalid {
		t.Fatalf("key with '=': got %v, want ErrNameInvalid", err)
	}

	if err := c.Create("k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := c.Create("k", "v2"); err != ErrNameExists {
		t.Fatalf("duplicate create: got %v, want ErrNameExists", err)
	}
}

func TestDeleteShiftsTrailingRecords(t *testing.T) {
	c := newTestCache(t)

	for _, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		if err := c.Create(kv.k, kv.v); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.Delete("b"); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("b"); ok {
		t.Fatal("b should be gone")
	}
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("a = %q, %v", v, ok)
	}
	if v, ok := c.Get("c"); !ok || v != "3" {
		t.Fatalf("c = %q, %v", v, ok)
	}
}

func TestDeleteMissingKeyFails(t *testing.T) {
	c := newTestCache(t)
	if err := c.Delete("nope"); err != ErrNameNotFound {
		t.Fatalf("got %v, want ErrNameNotFound", err)
	}
}

func TestSetEmptyValueDeletes(t *testing.T) {
	c := newTestCache(t)

	if err := c.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("k", ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected k to be deleted")
	}
}

func TestSetIsIdempotent(t *testing.T) {
	c1 := newTestCache(t)
	c2 := newTestCache(t)

	if err := c1.Set("k", "v"); err != nil {
		t.Fatal(err)
	}

	if err := c2.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := c2.Set("k", "v"); err != nil {
		t.Fatal(err)
	}

	if c1.DetailSize() != c2.DetailSize() {
		t.Fatalf("detail sizes differ: %d vs %d", c1.DetailSize(), c2.DetailSize())
	}
	if string(c1.Detail()) != string(c2.Detail()) {
		t.Fatal("repeated identical Set should leave the same cache state")
	}
}

func TestSetOverwritesExistingKey(t *testing.T) {
	c := newTestCache(t)

	if err := c.Set("boot_times", "0"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("boot_times", "1"); err != nil {
		t.Fatal(err)
	}

	v, ok := c.Get("boot_times")
	if !ok || v != "1" {
		t.Fatalf("boot_times = %q, %v, want 1, true", v, ok)
	}

	count := 0
	c.Iterate(func(key, value string) bool {
		count++
		return true
	})
	if count != 1 {
		t.Fatalf("expected exactly one record, got %d", count)
	}
}

func TestWriteReportsFullBeforeOverrunningCapacity(t *testing.T) {
	c := newTestCache(t)

	var lastErr error
	for i := 0; i < 100; i++ {
		lastErr = c.Create(fmt.Sprintf("key-%d", i), "xxxxxxxxxxxxxxxxxxxx")
		if lastErr != nil {
			break
		}
	}

	if lastErr != ErrFull {
		t.Fatalf("expected ErrFull eventually, got %v", lastErr)
	}
	if c.DetailSize() > c.layout.U-8 {
		t.Fatalf("detail size %d exceeds cap %d", c.DetailSize(), c.layout.U-8)
	}
}

func TestDetailSizeAlwaysWordAligned(t *testing.T) {
	c := newTestCache(t)

	for _, kv := range []struct{ k, v string }{{"a", "1"}, {"bb", "22"}, {"ccc", "333"}} {
		if err := c.Create(kv.k, kv.v); err != nil {
			t.Fatal(err)
		}
		if c.DetailSize()%4 != 0 {
			t.Fatalf("detail size %d not a multiple of 4", c.DetailSize())
		}
	}
}

func TestIterateStopsEarly(t *testing.T) {
	c := newTestCache(t)
	for _, k := range []string{"a", "b", "c"} {
		if err := c.Create(k, "v"); err != nil {
			t.Fatal(err)
		}
	}

	seen := 0
	c.Iterate(func(key, value string) bool {
		seen++
		return seen < 2
	})
	if seen != 2 {
		t.Fatalf("expected iteration to stop after 2, saw %d", seen)
	}
}
