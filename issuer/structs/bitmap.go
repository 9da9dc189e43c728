// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"math/bits"
)

// Bitmap is a simple uncompressed bitmap
type Bitmap []byte

// NewBitmap returns a bitmap with at least size indexes. The size is
// rounded up to a byte boundary; callers that track a logical size must
// bound their scans by it rather than by Size.
func NewBitmap(size uint) (Bitmap, error) {
	if size == 0 {
		return nil, fmt.Errorf("bitmap must be positive size")
	}
	b := make([]byte, (size+7)>>3)
	return Bitmap(b), nil
}

// Copy returns a copy of the bitmap
func (b Bitmap) Copy() (Bitmap, error) {
	if b == nil {
		return nil, fmt.Errorf("can't copy nil bitmap")
	}

	raw := make([]byte, len(b))
	copy(raw, b)
	return Bitmap(raw), nil
}

// Size returns the size of the bitmap
func (b Bitmap) Size() uint {
	return uint(len(b) << 3)
}

// Set is used to set the given index of the bitmap
func (b Bitmap) Set(idx uint) {
	bucket := idx >> 3
	mask := byte(1 << (idx & 7))
	b[bucket] |= mask
}

// Unset is used to unset the given index of the bitmap
func (b Bitmap) Unset(idx uint) {
	bucket := idx >> 3
	// Mask should be all ones minus the idx position
	offset := 1 << (idx & 7)
	mask := byte(offset ^ 0xff)
	b[bucket] &= mask
}

// Check is used to check the given index of the bitmap
func (b Bitmap) Check(idx uint) bool {
	bucket := idx >> 3
	mask := byte(1 << (idx & 7))
	return (b[bucket] & mask) != 0
}

// Clear is used to efficiently clear the bitmap
func (b Bitmap) Clear() {
	for i := range b {
		b[i] = 0
	}
}

// Count returns the number of set bits
func (b Bitmap) Count() uint {
	var n uint
	for _, x := range b {
		n += uint(bits.OnesCount8(x))
	}
	return n
}

// Full returns whether every position of the bitmap is set
func (b Bitmap) Full() bool {
	for _, x := range b {
		if x != 0xff {
			return false
		}
	}
	return true
}

// Empty returns whether no position of the bitmap is set
func (b Bitmap) Empty() bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// FirstZero returns the position of the lowest unset bit, or false if every
// bit is set. The scan order is deterministic so concurrent allocators that
// race on the same snapshot pick the same position and the sequence check
// arbitrates.
func (b Bitmap) FirstZero() (uint, bool) {
	for i, x := range b {
		if x != 0xff {
			return uint(i<<3) + uint(bits.TrailingZeros8(^x)), true
		}
	}
	return 0, false
}

// IndexesInRangeFiltered returns the indexes in which the values are either
// set or unset based on the passed parameter in the passed range, and which
// are not set in the filter bitmap.
func (b Bitmap) IndexesInRangeFiltered(set bool, from, to uint, filter Bitmap) []int {
	var indexes []int
	for i := from; i <= to && i < b.Size(); i++ {
		c := b.Check(i)
		if c == set && (filter == nil || !filter.Check(i)) {
			indexes = append(indexes, int(i))
		}
	}
	return indexes
}
