// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

//go:build !unix

package physmem

import "fmt"

// Map returns a window of simulated physical memory.
//
// The window must be released with Unmap.
func Map(base, size uint64) (*Window, error) {
	if size == 0 || size != uint64(int(size)) {
		return nil, fmt.Errorf("physmem: cannot map %#x bytes", size)
	}

	return NewWindow(base, size), nil
}

// Unmap releases a window created by Map.
func Unmap(w *Window) error {
	w.Data = nil
	return nil
}
