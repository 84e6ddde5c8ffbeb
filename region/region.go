// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package region places chunks of physical memory.
//
// # Placement
//
// The allocator builds a timeline of interval events from
// four sources: the firmware's usable and reserved ranges,
// the loader's heap blocks, the chunks already granted, and
// any ranges the caller asks it to avoid. A single sweep
// across the sorted timeline tracks how many intervals of
// each class are open, and memory is free wherever at least
// one usable region is open and nothing else is.
//
// A fixed-address request succeeds if one free interval
// contains the whole chunk. A ranged request walks the free
// intervals in ascending order (or descending, for
// PreferHigh) and takes the first aligned candidate that
// fits. The first candidate wins; callers steer placement
// with the preference and the address bounds, not by
// expecting the best fit.
package region

import (
	"fmt"
	"math"
	"math/bits"
	"slices"

	"firefly-os.dev/relocator/internal/fault"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/physmem"
)

// Preference biases where a ranged request is placed.
type Preference uint8

const (
	PreferNone Preference = iota
	PreferLow
	PreferHigh
)

func (p Preference) String() string {
	switch p {
	case PreferNone:
		return "none"
	case PreferLow:
		return "low"
	case PreferHigh:
		return "high"
	}

	return fmt.Sprintf("Preference(%d)", uint8(p))
}

// Chunk is a granted region of physical memory.
type Chunk struct {
	Target uint64 // Physical address.
	Size   uint64
	Align  uint64
	Owner  int // Identifies the handle that requested the chunk.

	mem     physmem.Memory
	claimed bool
}

// PhysicalAddress returns the chunk's physical address.
func (c *Chunk) PhysicalAddress() uint64 { return c.Target }

// Range returns the physical memory covered by the chunk.
func (c *Chunk) Range() memmap.Range {
	return memmap.Range{Start: c.Target, End: c.Target + c.Size}
}

// Bytes returns the chunk's memory, as accessible to the
// loader. The accessible address may differ from the
// physical address.
func (c *Chunk) Bytes() ([]byte, error) {
	if c.mem == nil {
		return nil, fmt.Errorf("region: chunk %v has no accessible mapping", c.Range())
	}

	return c.mem.Slice(c.Target, c.Size)
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk %v (align %#x, owner %d)", c.Range(), c.Align, c.Owner)
}

// Allocator grants chunks of physical memory that do not
// collide with firmware-reserved memory, the loader's heap,
// or each other.
type Allocator struct {
	model  *memmap.Model
	mem    physmem.Memory
	heap   []memmap.HeapBlock
	chunks []*Chunk
}

// New returns an allocator over the memory described by
// model. Chunks are made accessible through mem, which may
// be nil if the loader never touches chunk contents.
func New(model *memmap.Model, mem physmem.Memory, heap []memmap.HeapBlock) *Allocator {
	return &Allocator{
		model: model,
		mem:   mem,
		heap:  slices.Clone(heap),
	}
}

// Model returns the allocator's firmware memory model.
func (a *Allocator) Model() *memmap.Model { return a.model }

// Memory returns the allocator's accessible memory.
func (a *Allocator) Memory() physmem.Memory { return a.mem }

// Heap returns the loader heap blocks.
func (a *Allocator) Heap() []memmap.HeapBlock { return slices.Clone(a.heap) }

// Chunks returns the chunks currently granted, in the
// order they were granted.
func (a *Allocator) Chunks() []*Chunk { return slices.Clone(a.chunks) }

// Events returns the sorted timeline the allocator uses
// for placement. Each range in avoid contributes a pair
// of collision events, as granted chunks do.
func (a *Allocator) Events(avoid ...memmap.Range) []memmap.Event {
	size := a.model.MaxEvents() + 2*len(a.heap) + 2*len(a.chunks) + 2*len(avoid)
	events := make([]memmap.Event, size)
	n := a.model.FillEvents(events)
	events = memmap.HeapEvents(events[:n], a.heap)
	for _, c := range a.chunks {
		events = append(events,
			memmap.Event{Kind: memmap.CollisionStart, Addr: c.Target},
			memmap.Event{Kind: memmap.CollisionEnd, Addr: c.Target + c.Size},
		)
	}
	for _, r := range avoid {
		if r.Empty() {
			continue
		}

		events = append(events,
			memmap.Event{Kind: memmap.CollisionStart, Addr: r.Start},
			memmap.Event{Kind: memmap.CollisionEnd, Addr: r.End},
		)
	}

	memmap.SortEvents(events)

	return events
}

// FreeRanges returns the free intervals of physical
// memory, in ascending order, treating each range in
// avoid as occupied.
func (a *Allocator) FreeRanges(avoid ...memmap.Range) []memmap.Range {
	return sweep(a.Events(avoid...))
}

// sweep walks a sorted timeline and returns the intervals
// where at least one usable region is open and no other
// interval is.
func sweep(events []memmap.Event) []memmap.Range {
	var (
		free      []memmap.Range
		region    int
		firmware  int
		heap      int
		collision int
		open      bool
		start     uint64
	)

	for i := 0; i < len(events); {
		addr := events[i].Addr
		for ; i < len(events) && events[i].Addr == addr; i++ {
			switch events[i].Kind {
			case memmap.RegionStart:
				region++
			case memmap.RegionEnd:
				region--
			case memmap.FirmwareStart:
				firmware++
			case memmap.FirmwareEnd:
				firmware--
			case memmap.HeapBlockStart:
				heap++
			case memmap.HeapBlockEnd:
				heap--
			case memmap.CollisionStart:
				collision++
			case memmap.CollisionEnd:
				collision--
			}
		}

		isFree := region > 0 && firmware == 0 && heap == 0 && collision == 0
		switch {
		case isFree && !open:
			open = true
			start = addr
		case !isFree && open:
			open = false
			free = append(free, memmap.Range{Start: start, End: addr})
		}
	}

	return free
}

func (a *Allocator) grant(owner int, r memmap.Range, align uint64) (*Chunk, error) {
	err := a.model.AllocRegion(r.Start, r.Size())
	if err != nil {
		return nil, fmt.Errorf("region: failed to claim %v: %w", r, err)
	}

	c := &Chunk{
		Target:  r.Start,
		Size:    r.Size(),
		Align:   align,
		Owner:   owner,
		mem:     a.mem,
		claimed: true,
	}

	a.chunks = append(a.chunks, c)

	return c, nil
}

// AllocAddr grants a chunk of size bytes starting exactly
// at addr.
//
// AllocAddr fails with fault.OutOfMemory if any part of
// the chunk collides with a heap block, a granted chunk, or
// firmware-reserved memory that has not been cleared with
// the model's AllocRegion.
func (a *Allocator) AllocAddr(owner int, addr, size uint64) (*Chunk, error) {
	r, ok := memmap.Span(addr, size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("region: bad chunk %#x+%#x: %w", addr, size, fault.Invalid)
	}

	if r.End > a.model.Limit() {
		return nil, fmt.Errorf("region: chunk %v exceeds address limit %#x: %w", r, a.model.Limit(), fault.OutOfMemory)
	}

	for _, free := range a.FreeRanges() {
		if free.Contains(r) {
			return a.grant(owner, r, 1)
		}
	}

	return nil, fmt.Errorf("region: chunk %v is not free: %w", r, fault.OutOfMemory)
}

// AllocAlign grants a chunk of size bytes within
// [min, max), aligned to align bytes. An alignment of zero
// is treated as one.
//
// Candidates are considered in ascending address order, or
// descending for PreferHigh, and the first fit is granted.
// Ranges in avoid are treated as occupied for this request
// only.
func (a *Allocator) AllocAlign(owner int, min, max, size, align uint64, pref Preference, avoid ...memmap.Range) (*Chunk, error) {
	if align == 0 {
		align = 1
	}

	if bits.OnesCount64(align) != 1 {
		return nil, fmt.Errorf("region: alignment %#x is not a power of two: %w", align, fault.Invalid)
	}

	if size == 0 || min >= max {
		return nil, fmt.Errorf("region: bad chunk request %#x bytes in [%#x, %#x): %w", size, min, max, fault.Invalid)
	}

	if max > a.model.Limit() {
		max = a.model.Limit()
	}

	free := a.FreeRanges(avoid...)
	if pref == PreferHigh {
		slices.Reverse(free)
	}

	mask := align - 1
	for _, f := range free {
		lo := f.Start
		if lo < min {
			lo = min
		}

		hi := f.End
		if hi > max {
			hi = max
		}

		if hi <= lo || hi-lo < size {
			continue
		}

		var start uint64
		if pref == PreferHigh {
			start = (hi - size) &^ mask
			if start < lo {
				continue
			}
		} else {
			if lo > math.MaxUint64-mask {
				continue
			}

			start = (lo + mask) &^ mask
			if start > hi-size {
				continue
			}
		}

		return a.grant(owner, memmap.Range{Start: start, End: start + size}, align)
	}

	return nil, fmt.Errorf("region: no free %#x-byte chunk aligned to %#x in [%#x, %#x): %w", size, align, min, max, fault.OutOfMemory)
}

// Free returns a granted chunk to the free memory pool,
// releasing its firmware reservation.
func (a *Allocator) Free(c *Chunk) error {
	i := slices.Index(a.chunks, c)
	if i < 0 {
		return fmt.Errorf("region: %v is not allocated: %w", c, fault.Invalid)
	}

	a.chunks = slices.Delete(a.chunks, i, i+1)
	if !c.claimed {
		return nil
	}

	c.claimed = false
	err := a.model.FreeRegion(c.Target, c.Size)
	if err != nil {
		return fmt.Errorf("region: failed to release %v: %w", c.Range(), err)
	}

	return nil
}
