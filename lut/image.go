package lut

import (
	"sync"
)

// Image is the numeric metadata the generator needs from a decoded image,
// plus the table memoized for it.
type Image struct {
	MinPixelValue int
	MaxPixelValue int
	Slope         float64
	Intercept     float64
	WindowWidth   float64
	WindowCenter  float64
	Invert        bool
	ModalityLUT   *ModalityLUT
	VOILUT        *VOILUT

	mu     sync.Mutex
	cached *cachedTable
}

type cachedTable struct {
	table       *Table
	fingerprint uint64
}

// Table is a display table for one image. Values[storedValue-Offset] is the
// display byte for storedValue. A table returned by [Generate] is overwritten
// in place when the image is regenerated with different parameters.
type Table struct {
	Values []uint8
	Offset int
}

// Lookup returns the display value for a stored pixel value. Values outside
// the image's pixel range saturate to the first or last entry.
func (t *Table) Lookup(storedValue int) uint8 {
	idx := storedValue - t.Offset
	if idx < 0 {
		idx = 0
	} else if idx >= len(t.Values) {
		idx = len(t.Values) - 1
	}
	return t.Values[idx]
}

// Offset returns min(MinPixelValue, 0), the value subtracted from a stored
// value to index the image's table.
func (img *Image) Offset() int {
	return min(img.MinPixelValue, 0)
}

// CachedTable returns the memoized table, if any.
func (img *Image) CachedTable() (*Table, bool) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.cached == nil {
		return nil, false
	}
	return img.cached.table, true
}

// Release drops the memoized table. The next [Generate] allocates a new one.
func (img *Image) Release() {
	img.mu.Lock()
	img.cached = nil
	img.mu.Unlock()
}
