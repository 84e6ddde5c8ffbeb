// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package memmap

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"

	"firefly-os.dev/relocator/internal/fault"
)

// Model is the loader's cached view of the firmware
// memory map, along with the ranges the loader has
// claimed from firmware since discovery.
//
// A Model is created once per boot with Discover and
// passed explicitly to everything that needs it.
type Model struct {
	fw    Firmware
	limit uint64
	descs []Descriptor

	// claims holds every range passed to a successful
	// AllocRegion, exactly as requested.
	claims []Range

	// pages holds the page-rounded memory actually
	// obtained from firmware.
	pages RangeSet
}

// Discover queries firmware for its memory map. Events
// are clipped to addresses below limit.
func Discover(fw Firmware, limit uint64) (*Model, error) {
	if limit == 0 {
		return nil, fmt.Errorf("memmap: zero address limit: %w", fault.Invalid)
	}

	pageSize := fw.PageSize()
	if pageSize == 0 || bits.OnesCount64(pageSize) != 1 {
		return nil, fmt.Errorf("memmap: firmware page size %d is not a power of two: %w", pageSize, fault.Invalid)
	}

	descs, err := fw.MemoryMap()
	if err != nil {
		return nil, fmt.Errorf("memmap: failed to read firmware memory map: %w", err)
	}

	kept := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.Size == 0 {
			continue
		}

		kept = append(kept, d)
	}

	slices.SortStableFunc(kept, func(a, b Descriptor) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return +1
		}

		return 0
	})

	m := &Model{
		fw:    fw,
		limit: limit,
		descs: kept,
	}

	return m, nil
}

// Limit returns the exclusive upper bound on addresses
// the model describes.
func (m *Model) Limit() uint64 { return m.limit }

// Descriptors returns a copy of the discovered map.
func (m *Model) Descriptors() []Descriptor { return slices.Clone(m.descs) }

// Claims returns the ranges currently claimed through
// AllocRegion.
func (m *Model) Claims() []Range { return slices.Clone(m.claims) }

// Firmware returns the underlying firmware.
func (m *Model) Firmware() Firmware { return m.fw }

// Cooperative reports whether firmware tracks page
// allocations, in which case memory must be claimed
// with AllocRegion before use.
func (m *Model) Cooperative() bool { return m.fw.PageSize() > 1 }

// MaxEvents returns an upper bound on the number of
// events FillEvents will produce, so that the caller
// can size its buffer before the point where it can
// no longer allocate.
func (m *Model) MaxEvents() int {
	return 2*len(m.descs) + 4*len(m.claims)
}

func (m *Model) clip(r Range) Range {
	if r.End > m.limit {
		r.End = m.limit
	}
	if r.Empty() {
		return Range{}
	}

	return r
}

// FillEvents writes the firmware's usable regions and
// reserved ranges into buf as paired start and end
// events, returning the number written. Claimed ranges
// are reported as usable regions and are removed from
// any firmware range they overlap.
//
// The events are not sorted. buf must have space for
// at least MaxEvents events.
func (m *Model) FillEvents(buf []Event) int {
	var claimed RangeSet
	for _, c := range m.claims {
		claimed.Add(c)
	}

	n := 0
	emit := func(start, end EventKind, r Range) {
		r = m.clip(r)
		if r.Empty() {
			return
		}

		buf[n] = Event{Kind: start, Addr: r.Start}
		buf[n+1] = Event{Kind: end, Addr: r.End}
		n += 2
	}

	// Firmware descriptors may overlap one another, so
	// they are merged before claims are cut out of them.
	// Each claim can then split at most one firmware
	// range, which keeps the total within MaxEvents.
	var reserved RangeSet
	for _, d := range m.descs {
		if d.Type == Available {
			emit(RegionStart, RegionEnd, d.Range())
			continue
		}

		reserved.Add(d.Range())
	}

	for _, r := range reserved.Ranges() {
		for _, gap := range claimed.Gaps(r) {
			emit(FirmwareStart, FirmwareEnd, gap)
		}
	}

	for _, c := range claimed.Ranges() {
		emit(RegionStart, RegionEnd, c)
	}

	return n
}

// Events returns a freshly allocated, sorted copy of
// the model's events.
func (m *Model) Events() []Event {
	buf := make([]Event, m.MaxEvents())
	n := m.FillEvents(buf)
	buf = buf[:n]
	SortEvents(buf)

	return buf
}

// pageRange rounds r out to whole firmware pages.
func (m *Model) pageRange(r Range) Range {
	size := m.fw.PageSize()
	if size <= 1 {
		return r
	}

	mask := size - 1
	out := Range{Start: r.Start &^ mask, End: r.End}
	if rem := r.End & mask; rem != 0 {
		if r.End > ^uint64(0)-(size-rem) {
			out.End = ^uint64(0) &^ mask
		} else {
			out.End = r.End + (size - rem)
		}
	}

	return out
}

// AllocRegion asks firmware to reserve size bytes at
// addr for the loader. Pages that are already held for
// another claim are shared rather than requested again.
//
// If firmware refuses any part of the range, the parts
// obtained by this call are released and the error
// wraps fault.FirmwareRejected.
func (m *Model) AllocRegion(addr, size uint64) error {
	r, ok := Span(addr, size)
	if !ok || size == 0 {
		return fmt.Errorf("memmap: bad region %#x+%#x: %w", addr, size, fault.Invalid)
	}

	if r.End > m.limit {
		return fmt.Errorf("memmap: region %v exceeds address limit %#x: %w", r, m.limit, fault.FirmwareRejected)
	}

	var missing RangeSet
	missing.Add(m.pageRange(r))
	for _, held := range m.pages.Ranges() {
		missing.Remove(held)
	}

	var got []Range
	for _, want := range missing.Ranges() {
		err := m.fw.AllocatePages(want)
		if err != nil {
			for _, back := range got {
				// Best effort; the original error
				// is the one worth reporting.
				_ = m.fw.FreePages(back)
			}

			return fmt.Errorf("memmap: firmware refused %v: %w (%v)", want, fault.FirmwareRejected, err)
		}

		got = append(got, want)
	}

	for _, g := range got {
		m.pages.Add(g)
	}

	m.claims = append(m.claims, r)

	return nil
}

// FreeRegion releases a range previously claimed with
// AllocRegion. Pages still needed by other claims stay
// allocated.
func (m *Model) FreeRegion(addr, size uint64) error {
	r, ok := Span(addr, size)
	if !ok {
		return fmt.Errorf("memmap: bad region %#x+%#x: %w", addr, size, fault.Invalid)
	}

	i := slices.Index(m.claims, r)
	if i < 0 {
		return fmt.Errorf("memmap: region %v was not claimed: %w", r, fault.Invalid)
	}

	m.claims = slices.Delete(m.claims, i, i+1)

	var needed RangeSet
	for _, c := range m.claims {
		needed.Add(m.pageRange(c))
	}

	var release []Range
	for _, held := range m.pages.Ranges() {
		release = append(release, needed.Gaps(held)...)
	}

	var errs []error
	for _, g := range release {
		m.pages.Remove(g)
		err := m.fw.FreePages(g)
		if err != nil {
			errs = append(errs, fmt.Errorf("memmap: firmware refused to free %v: %w (%v)", g, fault.FirmwareRejected, err))
		}
	}

	return errors.Join(errs...)
}

// ExitBootServices notifies firmware that the loader
// is about to hand over control, if the firmware needs
// to know. No firmware service may be used afterwards.
func (m *Model) ExitBootServices() error {
	exiter, ok := m.fw.(Exiter)
	if !ok {
		return nil
	}

	err := exiter.ExitBootServices()
	if err != nil {
		return fmt.Errorf("memmap: failed to exit boot services: %w", err)
	}

	return nil
}
