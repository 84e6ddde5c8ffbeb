// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package memmap

import (
	"fmt"
	"slices"
)

// EventKind identifies the boundary described by an
// Event.
type EventKind uint8

const (
	RegionStart EventKind = iota
	RegionEnd
	FirmwareStart
	FirmwareEnd
	HeapBlockStart
	HeapBlockEnd
	CollisionStart
	CollisionEnd
)

var eventKindNames = [...]string{
	RegionStart:    "region start",
	RegionEnd:      "region end",
	FirmwareStart:  "firmware start",
	FirmwareEnd:    "firmware end",
	HeapBlockStart: "heap start",
	HeapBlockEnd:   "heap end",
	CollisionStart: "collision start",
	CollisionEnd:   "collision end",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}

	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// IsStart reports whether the event opens an interval.
func (k EventKind) IsStart() bool { return k%2 == 0 }

// HeapBlock is a block of the loader's own heap. Heap
// blocks are live until control leaves the loader, so
// no chunk may be placed over one.
type HeapBlock struct {
	Name  string
	Start uint64
	Size  uint64
}

// Range returns the memory covered by the heap block.
func (h *HeapBlock) Range() Range {
	return Range{Start: h.Start, End: h.Start + h.Size}
}

// Event is a point in the address-ordered timeline of
// physical memory. Every interval contributes a start
// event and an end event of the same class.
type Event struct {
	Kind EventKind
	Addr uint64
	Heap *HeapBlock // Set for heap block events.
}

func (e Event) String() string {
	if e.Heap != nil {
		return fmt.Sprintf("%#x %s (%s)", e.Addr, e.Kind, e.Heap.Name)
	}

	return fmt.Sprintf("%#x %s", e.Addr, e.Kind)
}

// SortEvents orders events by address. At equal
// addresses, end events sort before start events, so
// touching intervals never appear to overlap.
func SortEvents(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return +1
		case !a.Kind.IsStart() && b.Kind.IsStart():
			return -1
		case a.Kind.IsStart() && !b.Kind.IsStart():
			return +1
		}

		return 0
	})
}

// HeapEvents appends the start and end events for
// each non-empty heap block to events.
func HeapEvents(events []Event, heap []HeapBlock) []Event {
	for i := range heap {
		h := &heap[i]
		if h.Size == 0 {
			continue
		}

		events = append(events,
			Event{Kind: HeapBlockStart, Addr: h.Start, Heap: h},
			Event{Kind: HeapBlockEnd, Addr: h.Start + h.Size, Heap: h},
		)
	}

	return events
}
