// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package fault contains the error values shared by
// the relocator's packages.
//
// Each value is re-exported by package relocator,
// which is where callers should match against them.
package fault

import "errors"

var (
	// OutOfMemory indicates that no region of memory
	// satisfies a chunk request. The caller may retry
	// with relaxed constraints.
	OutOfMemory = errors.New("out of memory")

	// RelocationOverflow indicates that an immediate
	// or branch displacement cannot be encoded, even
	// with the trampolines available.
	RelocationOverflow = errors.New("relocation overflow")

	// FirmwareRejected indicates that firmware refused
	// to reserve or release a memory range.
	FirmwareRejected = errors.New("firmware rejected request")

	// Bug indicates that an internal invariant would be
	// violated, such as a copy plan that would corrupt
	// memory it cannot safely write.
	Bug = errors.New("internal invariant violated")

	// Invalid indicates a malformed request, such as a
	// zero size or an alignment that is not a power of
	// two.
	Invalid = errors.New("invalid request")

	// State indicates an operation that is not valid in
	// the relocator handle's current state.
	State = errors.New("invalid handle state")
)
