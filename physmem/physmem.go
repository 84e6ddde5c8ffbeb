// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package physmem maps physical addresses to memory the
// loader can read and write.
//
// On a machine where physical memory is identity-mapped,
// the accessible address and the physical address are the
// same. Elsewhere, a Memory translates between the two,
// which is why chunks carry an accessor rather than a
// bare pointer.
package physmem

import (
	"fmt"
)

// Memory gives access to physical memory.
type Memory interface {
	// Slice returns the accessible bytes backing the
	// physical range [addr, addr+size). The slice
	// aliases the memory; writes are visible to later
	// calls.
	Slice(addr, size uint64) ([]byte, error)
}

// Window is a contiguous piece of physical memory,
// starting at Base and backed by Data.
type Window struct {
	Base uint64
	Data []byte
}

var _ Memory = (*Window)(nil)

// NewWindow returns a zeroed window of size bytes at
// base, backed by ordinary Go memory.
func NewWindow(base, size uint64) *Window {
	return &Window{Base: base, Data: make([]byte, size)}
}

// End returns the first address after the window.
func (w *Window) End() uint64 { return w.Base + uint64(len(w.Data)) }

func (w *Window) Slice(addr, size uint64) ([]byte, error) {
	if addr < w.Base || size > uint64(len(w.Data)) || addr-w.Base > uint64(len(w.Data))-size {
		return nil, fmt.Errorf("physmem: range %#x+%#x is outside window [%#x, %#x)", addr, size, w.Base, w.End())
	}

	off := addr - w.Base

	return w.Data[off : off+size : off+size], nil
}
