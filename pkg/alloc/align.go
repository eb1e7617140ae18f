package alloc

import "golang.org/x/exp/constraints"

// AlignUp rounds v up to the next multiple of align, used to pad
// item_size/ring_size to a device's allocation granularity (C4's
// GE(requested) requirement) and to keep the live-slot bitmap byte
// aligned.
func AlignUp[T constraints.Integer](v, align T) T {
	if align <= 0 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}
