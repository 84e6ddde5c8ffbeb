// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package memmap

import (
	"fmt"
	"slices"
)

// allocatable reports whether firmware will hand
// memory of this type to the loader on request.
func allocatable(t MemoryType) bool {
	return t == Available || t == Reclaimable
}

func coverage(descs []Descriptor, keep func(MemoryType) bool) *RangeSet {
	set := new(RangeSet)
	for _, d := range descs {
		if keep(d.Type) {
			set.Add(d.Range())
		}
	}

	return set
}

// Static is firmware that reports a fixed memory map
// and does not track allocations, such as a BIOS E820
// table or a device tree's memory nodes.
//
// Allocation succeeds for any memory the map already
// describes as allocatable and does nothing else.
type Static struct {
	Map []Descriptor
}

var _ Firmware = (*Static)(nil)

func (s *Static) MemoryMap() ([]Descriptor, error) { return slices.Clone(s.Map), nil }
func (s *Static) PageSize() uint64                 { return 1 }

func (s *Static) AllocatePages(r Range) error {
	if !coverage(s.Map, allocatable).Covers(r) {
		return fmt.Errorf("%v is not allocatable memory", r)
	}

	return nil
}

func (s *Static) FreePages(r Range) error { return nil }
