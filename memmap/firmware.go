// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package memmap models the platform firmware's view of
// physical memory.
//
// The firmware is reached through the Firmware interface,
// which mirrors the get-memory-map, allocate-pages, and
// free-pages services found on most platforms. A Model
// caches the discovered map and expresses it as an
// ordered timeline of interval events, which the region
// allocator merges with its own bookkeeping.
package memmap

import (
	"fmt"
	"strings"
)

// MemoryType describes how firmware classifies a
// region of physical memory.
type MemoryType uint8

const (
	Available   MemoryType = iota // Free RAM.
	Reserved                      // Never usable by the loader.
	Reclaimable                   // Owned by firmware, but may be handed over on request.
	ACPINVS                       // Firmware storage that must be preserved.
	Unusable                      // Defective memory.
	Loader                        // Already allocated to the loader by firmware.
)

var memoryTypeNames = [...]string{
	Available:   "available",
	Reserved:    "reserved",
	Reclaimable: "reclaimable",
	ACPINVS:     "acpi-nvs",
	Unusable:    "unusable",
	Loader:      "loader",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}

	return fmt.Sprintf("MemoryType(%d)", uint8(t))
}

// ParseMemoryType returns the memory type with the
// given name.
func ParseMemoryType(s string) (MemoryType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range memoryTypeNames {
		if s == name {
			return MemoryType(t), nil
		}
	}

	return 0, fmt.Errorf("unknown memory type %q", s)
}

func (t MemoryType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *MemoryType) UnmarshalText(text []byte) error {
	got, err := ParseMemoryType(string(text))
	if err != nil {
		return err
	}

	*t = got

	return nil
}

// Descriptor is one entry in the firmware memory map.
type Descriptor struct {
	Type  MemoryType
	Start uint64
	Size  uint64
}

// Range returns the memory covered by the descriptor.
func (d Descriptor) Range() Range {
	r, ok := Span(d.Start, d.Size)
	if !ok {
		return Range{Start: d.Start, End: ^uint64(0)}
	}

	return r
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%v %s", d.Range(), d.Type)
}

// Firmware is the platform's memory service.
//
// Calls may block for an unbounded time and cannot be
// interrupted.
type Firmware interface {
	// MemoryMap returns the current memory map.
	MemoryMap() ([]Descriptor, error)

	// AllocatePages marks the page-aligned range as
	// allocated to the loader.
	AllocatePages(r Range) error

	// FreePages returns a page-aligned range that was
	// previously allocated with AllocatePages.
	FreePages(r Range) error

	// PageSize returns the firmware's allocation
	// granularity in bytes. Firmware that does not
	// track allocations returns 1.
	PageSize() uint64
}

// Exiter is implemented by firmware that must be told
// when the loader stops using its services. This is a
// one-way operation.
type Exiter interface {
	ExitBootServices() error
}
