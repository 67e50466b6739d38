package lut

import (
	"math"

	"github.com/cockroachdb/errors"
)

// ErrInvalidArgument is returned for malformed image metadata or window parameters.
var ErrInvalidArgument = errors.New("lut: invalid argument")

// ModalityLUT is an explicit modality lookup table. Values[i] is the modality
// value for the stored value FirstValueMapped+i.
type ModalityLUT struct {
	FirstValueMapped int
	NumBitsPerEntry  int
	Values           []int
}

// VOILUT is an explicit VOI lookup table. Values[i] is the display value for
// the modality value FirstValueMapped+i, expressed with NumBitsPerEntry bits.
type VOILUT struct {
	FirstValueMapped int
	NumBitsPerEntry  int
	Values           []int
}

// ModalityFunc maps a stored pixel value to a modality value.
type ModalityFunc func(storedValue int) float64

// VOIFunc maps a modality value to a display value before clamping.
type VOIFunc func(modalityValue float64) float64

// ModalityLUTFunc returns the rescale function for an image. Without an
// explicit table it is the linear value*slope + intercept.
func ModalityLUTFunc(slope, intercept float64, table *ModalityLUT) (ModalityFunc, error) {
	if table == nil {
		return func(sp int) float64 {
			return float64(sp)*slope + intercept
		}, nil
	}
	if len(table.Values) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "modality LUT has no entries")
	}
	first := table.FirstValueMapped
	last := first + len(table.Values) - 1
	minValue := float64(table.Values[0])
	maxValue := float64(table.Values[len(table.Values)-1])
	return func(sp int) float64 {
		switch {
		case sp < first:
			return minValue
		case sp > last:
			return maxValue
		}
		return float64(table.Values[sp-first])
	}, nil
}

// VOILUTFunc returns the windowing function. Without an explicit table it is
// the linear window ((v - center) / width + 0.5) * 255.
func VOILUTFunc(windowWidth, windowCenter float64, table *VOILUT) (VOIFunc, error) {
	if table == nil {
		if windowWidth == 0 {
			return nil, errors.Wrap(ErrInvalidArgument, "window width must not be zero")
		}
		return func(v float64) float64 {
			return ((v-windowCenter)/windowWidth + 0.5) * 255.0
		}, nil
	}
	if len(table.Values) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "VOI LUT has no entries")
	}
	shift := table.NumBitsPerEntry - 8
	if shift < 0 {
		shift = 0
	}
	first := table.FirstValueMapped
	last := first + len(table.Values) - 1
	minValue := float64(table.Values[0] >> shift)
	maxValue := float64(table.Values[len(table.Values)-1] >> shift)
	return func(v float64) float64 {
		idx := int(math.Round(v))
		switch {
		case idx < first:
			return minValue
		case idx >= last:
			return maxValue
		}
		return float64(table.Values[idx-first] >> shift)
	}, nil
}

// clamp converts v to a display byte: NaN becomes 0, out of range values
// saturate and fractions round half to even.
func clamp(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.RoundToEven(v))
}
