// SPDX-License-Identifier: Unlicense OR MIT

package align

import "testing"

func TestUp(t *testing.T) {
	tests := []struct {
		v, a, want uint64
	}{
		{0, 1, 0},
		{466, 1, 466},
		{466, 4, 468},
		{468, 4, 468},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, tt := range tests {
		if got := Up(tt.v, tt.a); got != tt.want {
			t.Errorf("Up(%d, %d) = %d, want %d", tt.v, tt.a, got, tt.want)
		}
	}
}

func TestIsPow2(t *testing.T) {
	for _, v := range []uint32{1, 2, 4, 256, 1 << 31} {
		if !IsPow2(v) {
			t.Errorf("IsPow2(%d) = false, want true", v)
		}
	}
	for _, v := range []uint32{0, 3, 6, 255, 1<<31 + 1} {
		if IsPow2(v) {
			t.Errorf("IsPow2(%d) = true, want false", v)
		}
	}
}
