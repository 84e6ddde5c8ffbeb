// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package memmap

import (
	"fmt"
	"math"
	"strings"
)

// Range is a half-open interval of physical memory,
// [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Span returns the range of size bytes starting at
// addr. It reports false if the range would wrap
// around the end of the address space.
func Span(addr, size uint64) (Range, bool) {
	if size > math.MaxUint64-addr {
		return Range{}, false
	}

	return Range{Start: addr, End: addr + size}, true
}

func (r Range) Size() uint64 { return r.End - r.Start }
func (r Range) Empty() bool  { return r.End <= r.Start }

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Overlaps reports whether r and o share at least one
// byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Intersect returns the bytes common to r and o. The
// result is empty if they do not overlap.
func (r Range) Intersect(o Range) Range {
	out := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.Empty() {
		return Range{}
	}

	return out
}

// RangeSet is a set of physical addresses, stored as
// sorted, disjoint, non-adjacent ranges.
//
// The zero value is an empty set.
type RangeSet struct {
	ranges []Range
}

// Add inserts r into the set, merging it with any
// ranges it overlaps or touches.
func (s *RangeSet) Add(r Range) {
	if r.Empty() {
		return
	}

	out := make([]Range, 0, len(s.ranges)+1)
	i := 0
	for i < len(s.ranges) && s.ranges[i].End < r.Start {
		out = append(out, s.ranges[i])
		i++
	}

	for i < len(s.ranges) && s.ranges[i].Start <= r.End {
		r.Start = min(r.Start, s.ranges[i].Start)
		r.End = max(r.End, s.ranges[i].End)
		i++
	}

	out = append(out, r)
	out = append(out, s.ranges[i:]...)
	s.ranges = out
}

// Remove deletes every address in r from the set.
func (s *RangeSet) Remove(r Range) {
	if r.Empty() {
		return
	}

	out := make([]Range, 0, len(s.ranges)+1)
	for _, x := range s.ranges {
		if !x.Overlaps(r) {
			out = append(out, x)
			continue
		}

		if x.Start < r.Start {
			out = append(out, Range{Start: x.Start, End: r.Start})
		}
		if r.End < x.End {
			out = append(out, Range{Start: r.End, End: x.End})
		}
	}

	s.ranges = out
}

// Overlaps reports whether any address in r is in
// the set.
func (s *RangeSet) Overlaps(r Range) bool {
	for _, x := range s.ranges {
		if x.Start >= r.End {
			break
		}

		if x.Overlaps(r) {
			return true
		}
	}

	return false
}

// Covers reports whether every address in r is in
// the set.
func (s *RangeSet) Covers(r Range) bool {
	if r.Empty() {
		return true
	}

	for _, x := range s.ranges {
		if x.Contains(r) {
			return true
		}
	}

	return false
}

// Gaps returns the parts of r that are not in the set,
// in ascending order.
func (s *RangeSet) Gaps(r Range) []Range {
	if r.Empty() {
		return nil
	}

	var out []Range
	next := r.Start
	for _, x := range s.ranges {
		if x.End <= next {
			continue
		}
		if x.Start >= r.End {
			break
		}

		if x.Start > next {
			out = append(out, Range{Start: next, End: x.Start})
		}

		next = x.End
		if next >= r.End {
			return out
		}
	}

	out = append(out, Range{Start: next, End: r.End})

	return out
}

// Intersection returns the parts of r that are in the
// set, in ascending order.
func (s *RangeSet) Intersection(r Range) []Range {
	var out []Range
	for _, x := range s.ranges {
		if x.Start >= r.End {
			break
		}

		if in := x.Intersect(r); !in.Empty() {
			out = append(out, in)
		}
	}

	return out
}

// Ranges returns a copy of the set's ranges.
func (s *RangeSet) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Len returns the number of disjoint ranges in the
// set.
func (s *RangeSet) Len() int { return len(s.ranges) }

func (s *RangeSet) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}

	return "{" + strings.Join(parts, ", ") + "}"
}
