// Package lut converts stored pixel values into 8-bit display values.
//
// A display table is built in two steps for every stored value in the
// image's pixel range:
//
//   - The modality LUT rescales the stored value into modality units, either
//     linearly (value*slope + intercept) or through an explicit [ModalityLUT].
//   - The VOI LUT maps the modality value onto the display range, either with
//     a window width/center or through an explicit [VOILUT].
//
// The result is optionally inverted and written into a byte table indexed by
// storedValue - offset, where offset is min(minPixelValue, 0). Rebasing the
// table at the lowest (possibly negative) stored value keeps every index
// non-negative.
//
// # Memoization
//
// [Generate] caches exactly one [Table] per [Image]. The backing slice is
// allocated the first time a table is generated and reused afterwards: a
// window/level change overwrites the contents in place. A call whose
// parameters hash to the same fingerprint as the previous call returns the
// cached table untouched. [Image.Release] drops the table, which is what the
// image cache calls when the image is evicted.
//
// # Modes
//
// [ResolveMode] picks the algorithm once per call:
//
//	mode := lut.ResolveMode(modalityLUT, voiLUT) // lut.Linear{} or lut.Explicit{...}
//
// Linear mode is the fast path with the formulas inlined. Explicit mode
// composes the functions returned by [ModalityLUTFunc] and [VOILUTFunc].
package lut
