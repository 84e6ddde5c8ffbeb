// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package mover

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"firefly-os.dev/relocator/internal/fault"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/physmem"
)

func op(src, dst, size uint64, dir Direction) Op {
	return Op{Segment: Segment{Src: src, Dst: dst, Size: size}, Dir: dir}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		Name      string
		Segs      []Segment
		Protected []memmap.Range
		Want      []Op
		Err       error
	}{
		{
			Name: "independent",
			Segs: []Segment{
				{Src: 0x1000, Dst: 0x8000, Size: 0x100},
				{Src: 0x3000, Dst: 0x9000, Size: 0x100},
			},
			Want: []Op{
				op(0x1000, 0x8000, 0x100, Forward),
				op(0x3000, 0x9000, 0x100, Forward),
			},
		},
		{
			Name: "chain",
			Segs: []Segment{
				{Src: 0x1000, Dst: 0x2000, Size: 0x100},
				{Src: 0x2000, Dst: 0x3000, Size: 0x100},
			},
			Want: []Op{
				op(0x2000, 0x3000, 0x100, Forward),
				op(0x1000, 0x2000, 0x100, Forward),
			},
		},
		{
			Name: "self overlap upwards",
			Segs: []Segment{
				{Src: 0x1000, Dst: 0x1010, Size: 0x100},
			},
			Want: []Op{
				op(0x1000, 0x1010, 0x100, Backward),
			},
		},
		{
			Name: "self overlap downwards",
			Segs: []Segment{
				{Src: 0x1010, Dst: 0x1000, Size: 0x100},
			},
			Want: []Op{
				op(0x1010, 0x1000, 0x100, Forward),
			},
		},
		{
			Name: "no-ops dropped",
			Segs: []Segment{
				{Src: 0x1000, Dst: 0x1000, Size: 0x100},
				{Src: 0x2000, Dst: 0x3000, Size: 0},
				{Src: 0x4000, Dst: 0x5000, Size: 0x10},
			},
			Want: []Op{
				op(0x4000, 0x5000, 0x10, Forward),
			},
		},
		{
			Name: "contiguous coalesced",
			Segs: []Segment{
				{Src: 0x1000, Dst: 0x5000, Size: 0x100},
				{Src: 0x1100, Dst: 0x5100, Size: 0x100},
			},
			Want: []Op{
				op(0x1000, 0x5000, 0x200, Forward),
			},
		},
		{
			Name: "cycle broken by splitting",
			Segs: []Segment{
				{Src: 0x0, Dst: 0x100, Size: 0x20},
				{Src: 0x100, Dst: 0x10, Size: 0x10},
			},
			Want: []Op{
				op(0x10, 0x110, 0x10, Forward),
				op(0x100, 0x10, 0x10, Forward),
				op(0x0, 0x100, 0x10, Forward),
			},
		},
		{
			Name: "swap",
			Segs: []Segment{
				{Src: 0x1000, Dst: 0x2000, Size: 0x100},
				{Src: 0x2000, Dst: 0x1000, Size: 0x100},
			},
			Err: fault.Bug,
		},
		{
			Name: "overlapping destinations",
			Segs: []Segment{
				{Src: 0x1000, Dst: 0x8000, Size: 0x100},
				{Src: 0x2000, Dst: 0x80ff, Size: 0x100},
			},
			Err: fault.Bug,
		},
		{
			Name: "protected destination",
			Segs: []Segment{
				{Src: 0x1000, Dst: 0x8000, Size: 0x100},
			},
			Protected: []memmap.Range{{Start: 0x8080, End: 0x9000}},
			Err:       fault.Bug,
		},
		{
			Name: "protected source",
			Segs: []Segment{
				{Src: 0x1000, Dst: 0x8000, Size: 0x100},
			},
			Protected: []memmap.Range{{Start: 0x1000, End: 0x2000}},
			Want: []Op{
				op(0x1000, 0x8000, 0x100, Forward),
			},
		},
		{
			Name: "overflow",
			Segs: []Segment{
				{Src: 0xffff_ffff_ffff_ff00, Dst: 0x1000, Size: 0x200},
			},
			Err: fault.Invalid,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			plan, err := Plan(test.Segs, test.Protected)
			if test.Err != nil {
				if !errors.Is(err, test.Err) {
					t.Fatalf("Plan(): got error %v, want %v", err, test.Err)
				}

				return
			}

			if err != nil {
				t.Fatalf("Plan(): %v", err)
			}

			if diff := cmp.Diff(test.Want, plan.Ops); diff != "" {
				t.Fatalf("Plan(): (-want, +got)\n%s", diff)
			}
		})
	}
}

func TestExecuteDirection(t *testing.T) {
	// Copying upwards over itself must run backwards,
	// or the leading bytes are smeared across the
	// destination.
	mem := physmem.NewWindow(0, 8)
	copy(mem.Data, "abcdefgh")
	plan, err := Plan([]Segment{{Src: 0, Dst: 2, Size: 6}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := Execute(plan, mem); err != nil {
		t.Fatal(err)
	}

	if got, want := string(mem.Data), "ababcdef"; got != want {
		t.Fatalf("Execute(): got %q, want %q", got, want)
	}

	smeared := physmem.NewWindow(0, 8)
	copy(smeared.Data, "abcdefgh")
	err = Execute(&CopyPlan{Ops: []Op{op(0, 2, 6, Forward)}}, smeared)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := string(smeared.Data), "abababab"; got != want {
		t.Fatalf("Execute(forward): got %q, want %q", got, want)
	}
}

func randomSegments(rng *rand.Rand, space uint64) []Segment {
	n := rng.Intn(6) + 1
	var segs []Segment
	for len(segs) < n {
		size := uint64(rng.Intn(64)) + 1
		s := Segment{
			Src:  uint64(rng.Int63n(int64(space - size))),
			Dst:  uint64(rng.Int63n(int64(space - size))),
			Size: size,
		}

		ok := true
		for _, other := range segs {
			if other.Destination().Overlaps(s.Destination()) {
				ok = false
				break
			}
		}

		if ok {
			segs = append(segs, s)
		}
	}

	return segs
}

// TestPlanMatchesNaive checks that executing a plan in
// place gives the same memory contents as copying via
// temporary buffers.
func TestPlanMatchesNaive(t *testing.T) {
	const space = 0x200
	rng := rand.New(rand.NewSource(1))
	var planned int
	for i := 0; i < 2000; i++ {
		segs := randomSegments(rng, space)
		want := physmem.NewWindow(0, space)
		rng.Read(want.Data)
		got := physmem.NewWindow(0, space)
		copy(got.Data, want.Data)

		if err := Naive(segs, want); err != nil {
			t.Fatalf("Naive(%v): %v", segs, err)
		}

		plan, err := Plan(segs, nil)
		if errors.Is(err, fault.Bug) {
			continue
		}
		if err != nil {
			t.Fatalf("Plan(%v): %v", segs, err)
		}

		for _, o := range plan.Ops {
			if o.Dir != direction(o.Segment) {
				t.Fatalf("Plan(%v): op %v has the wrong direction", segs, o)
			}
		}

		if err := Execute(plan, got); err != nil {
			t.Fatalf("Execute(%v): %v", segs, err)
		}

		if diff := cmp.Diff(want.Data, got.Data); diff != "" {
			t.Fatalf("Plan(%v):\n%s\nmemory mismatch: (-want, +got)\n%s", segs, plan, diff)
		}

		planned++
	}

	if planned < 500 {
		t.Errorf("only %d of 2000 random plans succeeded", planned)
	}
}
