// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package mover orders the copies that move staged data
// to its final location.
//
// Each segment copies Size bytes from Src to Dst. All
// segments are specified against the memory as it was
// before any copy ran, as if every source were read into
// a temporary buffer first. A CopyPlan reproduces that
// result with in-place copies by running each segment
// before any segment that overwrites its source, and by
// copying backwards where a segment overlaps itself with
// the destination above the source.
//
// Segments that depend on each other cyclically are split
// into smaller pieces at the boundaries of the segments
// they interact with, which often breaks the cycle. A
// cycle that survives splitting cannot be performed in
// place and is reported as a bug.
package mover

import (
	"fmt"
	"slices"
	"strings"

	"firefly-os.dev/relocator/internal/fault"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/physmem"
)

// splitRounds bounds the number of times cyclic
// segments are split before planning gives up.
const splitRounds = 16

// Segment is a request to copy Size bytes from Src to
// Dst.
type Segment struct {
	Src  uint64
	Dst  uint64
	Size uint64
}

func (s Segment) Source() memmap.Range      { return memmap.Range{Start: s.Src, End: s.Src + s.Size} }
func (s Segment) Destination() memmap.Range { return memmap.Range{Start: s.Dst, End: s.Dst + s.Size} }

func (s Segment) String() string {
	return fmt.Sprintf("%#x -> %#x (%#x bytes)", s.Src, s.Dst, s.Size)
}

// Direction is the order in which an op copies its
// bytes.
type Direction uint8

const (
	Forward  Direction = iota // Lowest address first.
	Backward                  // Highest address first.
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	}

	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// direction returns the copy direction that is safe
// for s in isolation.
func direction(s Segment) Direction {
	if s.Dst > s.Src && s.Source().Overlaps(s.Destination()) {
		return Backward
	}

	return Forward
}

// Op is a single copy in a plan.
type Op struct {
	Segment
	Dir Direction
}

func (o Op) String() string {
	return fmt.Sprintf("%-8s %#x -> %#x (%#x bytes)", o.Dir, o.Src, o.Dst, o.Size)
}

// CopyPlan is an ordered list of copies.
type CopyPlan struct {
	Ops []Op
}

// Bytes returns the total number of bytes copied.
func (p *CopyPlan) Bytes() uint64 {
	var n uint64
	for _, op := range p.Ops {
		n += op.Size
	}

	return n
}

func (p *CopyPlan) String() string {
	var b strings.Builder
	for i, op := range p.Ops {
		fmt.Fprintf(&b, "%3d  %s\n", i, op)
	}

	return b.String()
}

// piece is part of a segment, remembering which
// segment it came from for stable ordering.
type piece struct {
	Segment
	origin int
}

// Plan orders segs into a plan that can be performed
// in place.
//
// Segments that copy nothing are dropped. Overlapping
// destinations, or a destination that overlaps one of
// the protected ranges, mean the caller would corrupt
// memory it relies on; these fail with fault.Bug, as
// does a cycle that splitting cannot resolve.
func Plan(segs []Segment, protected []memmap.Range) (*CopyPlan, error) {
	pieces := make([]piece, 0, len(segs))
	for i, s := range segs {
		_, srcOK := memmap.Span(s.Src, s.Size)
		_, dstOK := memmap.Span(s.Dst, s.Size)
		if !srcOK || !dstOK {
			return nil, fmt.Errorf("mover: segment %d (%v) overflows the address space: %w", i, s, fault.Invalid)
		}

		if s.Size == 0 || s.Src == s.Dst {
			continue
		}

		pieces = append(pieces, piece{Segment: s, origin: i})
	}

	for i, a := range pieces {
		for _, b := range pieces[i+1:] {
			if a.Destination().Overlaps(b.Destination()) {
				return nil, fmt.Errorf("mover: segments %d and %d write to overlapping memory (%v and %v): %w",
					a.origin, b.origin, a.Destination(), b.Destination(), fault.Bug)
			}
		}

		for _, p := range protected {
			if a.Destination().Overlaps(p) {
				return nil, fmt.Errorf("mover: segment %d overwrites protected memory %v: %w", a.origin, p, fault.Bug)
			}
		}
	}

	for round := 0; ; round++ {
		edges := dependencies(pieces)
		order, ok := topoSort(len(pieces), edges)
		if ok {
			ops := make([]Op, len(order))
			for i, idx := range order {
				ops[i] = Op{Segment: pieces[idx].Segment, Dir: direction(pieces[idx].Segment)}
			}

			return &CopyPlan{Ops: coalesce(ops)}, nil
		}

		if round == splitRounds {
			break
		}

		split, changed := splitCycles(pieces, edges)
		if !changed {
			break
		}

		pieces = split
	}

	return nil, fmt.Errorf("mover: segments form a copy cycle that cannot be performed in place: %w", fault.Bug)
}

// dependencies returns, for each piece, the pieces that
// must run after it. Piece x must run before piece y if
// y overwrites x's source.
func dependencies(pieces []piece) [][]int {
	edges := make([][]int, len(pieces))
	for x := range pieces {
		for y := range pieces {
			if x != y && pieces[y].Destination().Overlaps(pieces[x].Source()) {
				edges[x] = append(edges[x], y)
			}
		}
	}

	return edges
}

// topoSort orders the nodes so that every edge points
// forwards. Among nodes that are ready, the lowest
// index goes first, so independent segments keep the
// order they were given in.
func topoSort(n int, edges [][]int) (order []int, ok bool) {
	indegree := make([]int, n)
	for _, out := range edges {
		for _, y := range out {
			indegree[y]++
		}
	}

	done := make([]bool, n)
	order = make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}

		if next < 0 {
			return order, false
		}

		done[next] = true
		order = append(order, next)
		for _, y := range edges[next] {
			indegree[y]--
		}
	}

	return order, true
}

// components returns the strongly connected components
// of the graph that contain a cycle.
func components(n int, edges [][]int) [][]int {
	var (
		index   = make([]int, n)
		low     = make([]int, n)
		onStack = make([]bool, n)
		stack   []int
		next    = 1
		out     [][]int
	)

	var visit func(v int)
	visit = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range edges[v] {
			if index[w] == 0 {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] != index[v] {
			return
		}

		var scc []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}

		if len(scc) > 1 {
			slices.Sort(scc)
			out = append(out, scc)
		}
	}

	for v := 0; v < n; v++ {
		if index[v] == 0 {
			visit(v)
		}
	}

	return out
}

// splitCycles splits each piece in a cycle at the
// boundaries of the other pieces in the same cycle:
// their destinations cut its source and their sources
// cut its destination.
func splitCycles(pieces []piece, edges [][]int) ([]piece, bool) {
	cuts := make([][]uint64, len(pieces))
	for _, scc := range components(len(pieces), edges) {
		for _, i := range scc {
			p := pieces[i]
			for _, j := range scc {
				if i == j {
					continue
				}

				q := pieces[j]
				for _, addr := range []uint64{q.Dst, q.Dst + q.Size} {
					if addr > p.Src && addr < p.Src+p.Size {
						cuts[i] = append(cuts[i], addr-p.Src)
					}
				}
				for _, addr := range []uint64{q.Src, q.Src + q.Size} {
					if addr > p.Dst && addr < p.Dst+p.Size {
						cuts[i] = append(cuts[i], addr-p.Dst)
					}
				}
			}
		}
	}

	changed := false
	out := make([]piece, 0, len(pieces))
	for i, p := range pieces {
		offsets := cuts[i]
		if len(offsets) == 0 {
			out = append(out, p)
			continue
		}

		changed = true
		slices.Sort(offsets)
		offsets = slices.Compact(offsets)
		offsets = append(offsets, p.Size)
		var prev uint64
		for _, off := range offsets {
			out = append(out, piece{
				Segment: Segment{Src: p.Src + prev, Dst: p.Dst + prev, Size: off - prev},
				origin:  p.origin,
			})
			prev = off
		}
	}

	slices.SortStableFunc(out, func(a, b piece) int {
		switch {
		case a.origin != b.origin:
			return a.origin - b.origin
		case a.Src < b.Src:
			return -1
		case a.Src > b.Src:
			return +1
		}

		return 0
	})

	return out, changed
}

// coalesce merges consecutive ops that together behave
// exactly like a single op.
func coalesce(ops []Op) []Op {
	if len(ops) < 2 {
		return ops
	}

	out := ops[:1]
	for _, op := range ops[1:] {
		last := &out[len(out)-1]
		var merged Segment
		switch {
		case last.Dir == Forward && op.Dir == Forward &&
			op.Src == last.Src+last.Size && op.Dst == last.Dst+last.Size:
			merged = Segment{Src: last.Src, Dst: last.Dst, Size: last.Size + op.Size}
		case last.Dir == Backward && op.Dir == Backward &&
			op.Src+op.Size == last.Src && op.Dst+op.Size == last.Dst:
			merged = Segment{Src: op.Src, Dst: op.Dst, Size: last.Size + op.Size}
		default:
			out = append(out, op)
			continue
		}

		if direction(merged) != last.Dir {
			out = append(out, op)
			continue
		}

		*last = Op{Segment: merged, Dir: last.Dir}
	}

	return out
}

// Execute performs the plan against mem, one byte at a
// time, in the same order generated code would.
func Execute(plan *CopyPlan, mem physmem.Memory) error {
	for i, op := range plan.Ops {
		src, err := mem.Slice(op.Src, op.Size)
		if err != nil {
			return fmt.Errorf("mover: op %d: bad source: %w", i, err)
		}

		dst, err := mem.Slice(op.Dst, op.Size)
		if err != nil {
			return fmt.Errorf("mover: op %d: bad destination: %w", i, err)
		}

		switch op.Dir {
		case Forward:
			for j := range src {
				dst[j] = src[j]
			}
		case Backward:
			for j := len(src) - 1; j >= 0; j-- {
				dst[j] = src[j]
			}
		default:
			return fmt.Errorf("mover: op %d: unknown direction %v: %w", i, op.Dir, fault.Invalid)
		}
	}

	return nil
}

// Naive performs segs by reading every source into a
// separate buffer before writing any destination.
func Naive(segs []Segment, mem physmem.Memory) error {
	bufs := make([][]byte, len(segs))
	for i, s := range segs {
		src, err := mem.Slice(s.Src, s.Size)
		if err != nil {
			return fmt.Errorf("mover: segment %d: bad source: %w", i, err)
		}

		bufs[i] = slices.Clone(src)
	}

	for i, s := range segs {
		dst, err := mem.Slice(s.Dst, s.Size)
		if err != nil {
			return fmt.Errorf("mover: segment %d: bad destination: %w", i, err)
		}

		copy(dst, bufs[i])
	}

	return nil
}
