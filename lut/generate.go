package lut

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// Generate returns the display table for img under the given window and
// overrides, memoizing it on img.
//
// The backing slice is allocated once per image and overwritten in place on
// later calls. A call whose parameters match the previous one returns the
// memoized table without recomputing it. The returned table is shared: a later
// call with different parameters rewrites it, so callers must not read it
// concurrently with another Generate on the same image.
func Generate(img *Image, windowWidth, windowCenter float64, invert bool, modality *ModalityLUT, voi *VOILUT) (*Table, error) {
	if img == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "image is required")
	}
	if img.MinPixelValue > img.MaxPixelValue {
		return nil, errors.Wrapf(ErrInvalidArgument, "min pixel value %d is greater than max pixel value %d", img.MinPixelValue, img.MaxPixelValue)
	}
	mode := ResolveMode(modality, voi)

	img.mu.Lock()
	defer img.mu.Unlock()

	fp := fingerprint(img, windowWidth, windowCenter, invert, mode)
	if img.cached != nil && img.cached.fingerprint == fp {
		return img.cached.table, nil
	}

	offset := img.Offset()
	size := img.MaxPixelValue - offset + 1
	var table *Table
	if img.cached != nil && len(img.cached.table.Values) == size {
		// same length, possibly a shifted pixel range
		table = img.cached.table
		table.Offset = offset
	} else {
		table = &Table{Values: make([]uint8, size), Offset: offset}
	}

	var err error
	switch m := mode.(type) {
	case Linear:
		err = fillLinear(table, img, windowWidth, windowCenter, invert)
	case Explicit:
		err = fillExplicit(table, img, windowWidth, windowCenter, invert, m)
	}
	if err != nil {
		// the previous contents may be partially overwritten
		img.cached = nil
		return nil, err
	}
	img.cached = &cachedTable{table: table, fingerprint: fp}
	return table, nil
}

func fillLinear(table *Table, img *Image, windowWidth, windowCenter float64, invert bool) error {
	if windowWidth == 0 {
		return errors.Wrap(ErrInvalidArgument, "window width must not be zero")
	}
	lut := table.Values
	offset := table.Offset
	slope, intercept := img.Slope, img.Intercept
	for sp := img.MinPixelValue; sp <= img.MaxPixelValue; sp++ {
		modalityValue := float64(sp)*slope + intercept
		voiValue := ((modalityValue-windowCenter)/windowWidth + 0.5) * 255.0
		v := clamp(voiValue)
		if invert {
			v = 255 - v
		}
		lut[sp-offset] = v
	}
	return nil
}

func fillExplicit(table *Table, img *Image, windowWidth, windowCenter float64, invert bool, mode Explicit) error {
	mfn, err := ModalityLUTFunc(img.Slope, img.Intercept, mode.Modality)
	if err != nil {
		return err
	}
	vfn, err := VOILUTFunc(windowWidth, windowCenter, mode.VOI)
	if err != nil {
		return err
	}
	lut := table.Values
	offset := table.Offset
	for sp := img.MinPixelValue; sp <= img.MaxPixelValue; sp++ {
		v := clamp(vfn(mfn(sp)))
		if invert {
			v = 255 - v
		}
		lut[sp-offset] = v
	}
	return nil
}

func fingerprint(img *Image, windowWidth, windowCenter float64, invert bool, mode Mode) uint64 {
	d := xxhash.New()
	var buf [8]byte
	putInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
		d.Write(buf[:])
	}
	putFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		d.Write(buf[:])
	}
	putTable := func(first, bits int, values []int) {
		putInt(first)
		putInt(bits)
		putInt(len(values))
		for _, v := range values {
			putInt(v)
		}
	}
	putInt(img.MinPixelValue)
	putInt(img.MaxPixelValue)
	putFloat(img.Slope)
	putFloat(img.Intercept)
	putFloat(windowWidth)
	putFloat(windowCenter)
	if invert {
		d.Write([]byte{1})
	} else {
		d.Write([]byte{0})
	}
	switch m := mode.(type) {
	case Linear:
		d.WriteString("linear")
	case Explicit:
		d.WriteString("explicit")
		if m.Modality != nil {
			d.WriteString("m")
			putTable(m.Modality.FirstValueMapped, m.Modality.NumBitsPerEntry, m.Modality.Values)
		}
		if m.VOI != nil {
			d.WriteString("v")
			putTable(m.VOI.FirstValueMapped, m.VOI.NumBitsPerEntry, m.VOI.Values)
		}
	}
	return d.Sum64()
}
