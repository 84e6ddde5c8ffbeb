// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

//go:build unix

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map returns a window of simulated physical memory,
// backed by an anonymous private mapping. Pages are only
// committed when first written, so large windows, such
// as the whole of a 32-bit address space, are cheap.
//
// The window must be released with Unmap.
func Map(base, size uint64) (*Window, error) {
	if size == 0 || size != uint64(int(size)) {
		return nil, fmt.Errorf("physmem: cannot map %#x bytes", size)
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("physmem: failed to map %#x bytes: %w", size, err)
	}

	return &Window{Base: base, Data: data}, nil
}

// Unmap releases a window created by Map.
func Unmap(w *Window) error {
	if w.Data == nil {
		return nil
	}

	err := unix.Munmap(w.Data)
	w.Data = nil
	if err != nil {
		return fmt.Errorf("physmem: failed to unmap window: %w", err)
	}

	return nil
}
