// SPDX-License-Identifier: Unlicense OR MIT

// Package align holds power-of-two rounding helpers.
package align

import "golang.org/x/exp/constraints"

// Up rounds v up to a multiple of a, which must be a power of two.
func Up[T constraints.Unsigned](v, a T) T {
	return (v + a - 1) &^ (a - 1)
}

// IsPow2 reports whether v is a non-zero power of two.
func IsPow2[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}
