// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package memmap

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"firefly-os.dev/relocator/internal/fault"
)

var testMap = []Descriptor{
	{Type: Available, Start: 0x0, Size: 0x9f000},
	{Type: Reserved, Start: 0x9f000, Size: 0x61000},
	{Type: Available, Start: 0x100000, Size: 0x7ff00000},
	{Type: Reclaimable, Start: 0x80000000, Size: 0x100000},
	{Type: Available, Start: 0x100000000, Size: 0x100000000},
}

func TestFillEvents(t *testing.T) {
	m, err := Discover(&Static{Map: testMap}, 1<<32)
	if err != nil {
		t.Fatal(err)
	}

	// End events sort before start events at the
	// same address.
	want := []Event{
		{Kind: RegionStart, Addr: 0x0},
		{Kind: RegionEnd, Addr: 0x9f000},
		{Kind: FirmwareStart, Addr: 0x9f000},
		{Kind: FirmwareEnd, Addr: 0x100000},
		{Kind: RegionStart, Addr: 0x100000},
		{Kind: RegionEnd, Addr: 0x80000000},
		{Kind: FirmwareStart, Addr: 0x80000000},
		{Kind: FirmwareEnd, Addr: 0x80100000},
	}

	got := m.Events()
	if len(got) > m.MaxEvents() {
		t.Fatalf("got %d events, more than MaxEvents()=%d", len(got), m.MaxEvents())
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Events(): (-want, +got)\n%s", diff)
	}
}

func TestClearFirmwareRange(t *testing.T) {
	m, err := Discover(&Static{Map: testMap}, 1<<32)
	if err != nil {
		t.Fatal(err)
	}

	err = m.AllocRegion(0x80010000, 0x1000)
	if err != nil {
		t.Fatalf("AllocRegion(reclaimable): %v", err)
	}

	got := m.Events()
	if len(got) > m.MaxEvents() {
		t.Fatalf("got %d events, more than MaxEvents()=%d", len(got), m.MaxEvents())
	}

	var fw, regions []Range
	var open uint64
	for _, e := range got {
		switch e.Kind {
		case FirmwareStart, RegionStart:
			open = e.Addr
		case FirmwareEnd:
			fw = append(fw, Range{open, e.Addr})
		case RegionEnd:
			regions = append(regions, Range{open, e.Addr})
		}
	}

	wantFirmware := []Range{{0x9f000, 0x100000}, {0x80000000, 0x80010000}, {0x80011000, 0x80100000}}
	if diff := cmp.Diff(wantFirmware, fw); diff != "" {
		t.Errorf("firmware ranges: (-want, +got)\n%s", diff)
	}

	wantRegions := []Range{{0x0, 0x9f000}, {0x100000, 0x80000000}, {0x80010000, 0x80011000}}
	if diff := cmp.Diff(wantRegions, regions); diff != "" {
		t.Errorf("usable regions: (-want, +got)\n%s", diff)
	}

	// Reserved memory cannot be cleared on static
	// firmware.
	err = m.AllocRegion(0xa0000, 0x1000)
	if !errors.Is(err, fault.FirmwareRejected) {
		t.Errorf("AllocRegion(reserved): got %v, want %v", err, fault.FirmwareRejected)
	}

	err = m.FreeRegion(0x80010000, 0x1000)
	if err != nil {
		t.Fatalf("FreeRegion(): %v", err)
	}

	if n := len(m.Events()); n != 8 {
		t.Errorf("after FreeRegion: got %d events, want 8", n)
	}
}

func TestOverlappingFirmwareRanges(t *testing.T) {
	overlapping := []Descriptor{
		{Type: Available, Start: 0x100000, Size: 0x100000},
		{Type: Reclaimable, Start: 0x0, Size: 0x10000},
		{Type: Reclaimable, Start: 0x8000, Size: 0x10000},
	}

	m, err := Discover(&Static{Map: overlapping}, 1<<32)
	if err != nil {
		t.Fatal(err)
	}

	// The claim sits inside both reclaimable entries.
	if err := m.AllocRegion(0x9000, 0x1000); err != nil {
		t.Fatalf("AllocRegion(): %v", err)
	}

	buf := make([]Event, m.MaxEvents())
	n := m.FillEvents(buf)
	if n > len(buf) {
		t.Fatalf("FillEvents(): wrote %d events into %d", n, len(buf))
	}

	want := []Event{
		{Kind: FirmwareStart, Addr: 0x0},
		{Kind: FirmwareEnd, Addr: 0x9000},
		{Kind: RegionStart, Addr: 0x9000},
		{Kind: RegionEnd, Addr: 0xa000},
		{Kind: FirmwareStart, Addr: 0xa000},
		{Kind: FirmwareEnd, Addr: 0x18000},
		{Kind: RegionStart, Addr: 0x100000},
		{Kind: RegionEnd, Addr: 0x200000},
	}

	got := m.Events()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Events(): (-want, +got)\n%s", diff)
	}
}

func TestPagedClaims(t *testing.T) {
	fw := NewPaged(testMap, 0x1000)
	m, err := Discover(fw, 1<<32)
	if err != nil {
		t.Fatal(err)
	}

	if !m.Cooperative() {
		t.Fatalf("paged firmware is not cooperative")
	}

	// Two claims sharing a page.
	if err := m.AllocRegion(0x200800, 0x1000); err != nil {
		t.Fatalf("AllocRegion(a): %v", err)
	}
	if err := m.AllocRegion(0x201800, 0x1000); err != nil {
		t.Fatalf("AllocRegion(b): %v", err)
	}

	want := []Range{{0x200000, 0x203000}}
	if diff := cmp.Diff(want, fw.Allocated()); diff != "" {
		t.Fatalf("allocated pages: (-want, +got)\n%s", diff)
	}

	if err := m.FreeRegion(0x200800, 0x1000); err != nil {
		t.Fatalf("FreeRegion(a): %v", err)
	}

	want = []Range{{0x201000, 0x203000}}
	if diff := cmp.Diff(want, fw.Allocated()); diff != "" {
		t.Fatalf("allocated pages after freeing a: (-want, +got)\n%s", diff)
	}

	if err := m.FreeRegion(0x201800, 0x1000); err != nil {
		t.Fatalf("FreeRegion(b): %v", err)
	}

	if got := fw.Allocated(); len(got) != 0 {
		t.Fatalf("allocated pages after freeing b: got %v, want none", got)
	}

	err = m.FreeRegion(0x201800, 0x1000)
	if !errors.Is(err, fault.Invalid) {
		t.Fatalf("double FreeRegion(): got %v, want %v", err, fault.Invalid)
	}
}

func TestPagedRollback(t *testing.T) {
	fw := NewPaged(testMap, 0x1000)
	m, err := Discover(fw, 1<<32)
	if err != nil {
		t.Fatal(err)
	}

	// Taken behind the model's back, so the model
	// asks for it and firmware refuses.
	if err := fw.AllocatePages(Range{0x305000, 0x306000}); err != nil {
		t.Fatal(err)
	}

	err = m.AllocRegion(0x300000, 0x10000)
	if !errors.Is(err, fault.FirmwareRejected) {
		t.Fatalf("AllocRegion(): got %v, want %v", err, fault.FirmwareRejected)
	}

	want := []Range{{0x305000, 0x306000}}
	if diff := cmp.Diff(want, fw.Allocated()); diff != "" {
		t.Fatalf("allocated pages: (-want, +got)\n%s", diff)
	}

	if len(m.Claims()) != 0 {
		t.Fatalf("failed AllocRegion left claims %v", m.Claims())
	}
}

func TestExitBootServices(t *testing.T) {
	fw := NewPaged(testMap, 0)
	m, err := Discover(fw, 1<<32)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.ExitBootServices(); err != nil {
		t.Fatalf("ExitBootServices(): %v", err)
	}

	if err := m.AllocRegion(0x200000, 0x1000); err == nil {
		t.Fatalf("AllocRegion() after exit: unexpected success")
	}
}

func TestDiscoverClips(t *testing.T) {
	m, err := Discover(&Static{Map: testMap}, 0x100000)
	if err != nil {
		t.Fatal(err)
	}

	for _, e := range m.Events() {
		if e.Addr > 0x100000 {
			t.Errorf("event %v beyond limit", e)
		}
	}
}
