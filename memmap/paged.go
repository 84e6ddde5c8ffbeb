// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package memmap

import (
	"errors"
	"fmt"
	"slices"
)

// DefaultPageSize is the allocation granularity of
// Paged firmware when none is specified.
const DefaultPageSize = 0x1000

var errExited = errors.New("boot services have exited")

// Paged is firmware that hands out memory in whole
// pages and remembers which pages it has allocated,
// in the manner of UEFI boot services.
//
// Allocated pages are reported as Loader memory in
// subsequent memory maps.
type Paged struct {
	descs     []Descriptor
	size      uint64
	allocated RangeSet
	exited    bool
}

var (
	_ Firmware = (*Paged)(nil)
	_ Exiter   = (*Paged)(nil)
)

// NewPaged returns paged firmware describing the given
// memory map. A zero page size selects DefaultPageSize.
func NewPaged(descs []Descriptor, pageSize uint64) *Paged {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	return &Paged{descs: slices.Clone(descs), size: pageSize}
}

func (p *Paged) PageSize() uint64 { return p.size }

func (p *Paged) MemoryMap() ([]Descriptor, error) {
	if p.exited {
		return nil, errExited
	}

	out := make([]Descriptor, 0, len(p.descs))
	for _, d := range p.descs {
		r := d.Range()
		if !allocatable(d.Type) {
			out = append(out, d)
			continue
		}

		for _, free := range p.allocated.Gaps(r) {
			out = append(out, Descriptor{Type: d.Type, Start: free.Start, Size: free.Size()})
		}
		for _, used := range p.allocated.Intersection(r) {
			out = append(out, Descriptor{Type: Loader, Start: used.Start, Size: used.Size()})
		}
	}

	slices.SortStableFunc(out, func(a, b Descriptor) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return +1
		}

		return 0
	})

	return out, nil
}

func (p *Paged) aligned(r Range) bool {
	mask := p.size - 1
	return r.Start&mask == 0 && r.End&mask == 0 && !r.Empty()
}

func (p *Paged) AllocatePages(r Range) error {
	if p.exited {
		return errExited
	}

	if !p.aligned(r) {
		return fmt.Errorf("%v is not page-aligned", r)
	}

	if !coverage(p.descs, allocatable).Covers(r) {
		return fmt.Errorf("%v is not allocatable memory", r)
	}

	if p.allocated.Overlaps(r) {
		return fmt.Errorf("%v is already allocated", r)
	}

	p.allocated.Add(r)

	return nil
}

func (p *Paged) FreePages(r Range) error {
	if p.exited {
		return errExited
	}

	if !p.aligned(r) {
		return fmt.Errorf("%v is not page-aligned", r)
	}

	if !p.allocated.Covers(r) {
		return fmt.Errorf("%v is not allocated", r)
	}

	p.allocated.Remove(r)

	return nil
}

// Allocated returns the ranges currently allocated.
func (p *Paged) Allocated() []Range { return p.allocated.Ranges() }

func (p *Paged) ExitBootServices() error {
	if p.exited {
		return errExited
	}

	p.exited = true

	return nil
}
