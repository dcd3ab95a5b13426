// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package bitm defines a bitmap type useful for resource management
// (e.g., memory allocation and free list implementations).
package bitm

import (
	"unsafe"
)

// Uint represents the granularity of a bitmap.
type Uint interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Bitm is a growable bitmap with custom granularity.
type Bitm[T Uint] struct {
	m   []T
	rem int
}

// nbit returns the number of bits in T.
// TODO: This is not constant.
func (m *Bitm[T]) nbit() int { return int(unsafe.Sizeof(T(0))) * 8 }

// Len returns the number of bits set in the map.
func (m *Bitm[_]) Len() int { return len(m.m)*m.nbit() - m.rem }

// Cap returns the number of bits in the map.
func (m *Bitm[_]) Cap() int { return len(m.m) * m.nbit() }

// Grow resizes the map to contain nplus additional words
// and returns the index of the first new bit.
// The new bits are unset.
func (m *Bitm[T]) Grow(nplus int) int {
	idx := m.Cap()
	if nplus > 0 {
		m.m = append(m.m, make([]T, nplus)...)
		m.rem += nplus * m.nbit()
	}
	return idx
}

// Set sets the given bit.
// The index must be less than Cap.
func (m *Bitm[T]) Set(idx int) {
	i, b := idx/m.nbit(), idx%m.nbit()
	if m.m[i]&(1<<b) == 0 {
		m.m[i] |= 1 << b
		m.rem--
	}
}

// Unset clears the given bit.
// The index must be less than Cap.
func (m *Bitm[T]) Unset(idx int) {
	i, b := idx/m.nbit(), idx%m.nbit()
	if m.m[i]&(1<<b) != 0 {
		m.m[i] &^= 1 << b
		m.rem++
	}
}

// IsSet returns whether the given bit is set.
// The index must be less than Cap.
func (m *Bitm[T]) IsSet(idx int) bool {
	return m.m[idx/m.nbit()]&(1<<(idx%m.nbit())) != 0
}

// Search returns the index of an unset bit, or -1 if
// every bit in the map is set.
// It does not change the bit's state.
func (m *Bitm[T]) Search() int {
	if m.rem == 0 {
		return -1
	}
	n := m.nbit()
	for i, w := range m.m {
		if w == ^T(0) {
			continue
		}
		for b := 0; b < n; b++ {
			if w&(1<<b) == 0 {
				return i*n + b
			}
		}
	}
	return -1
}
