// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package relocator places a boot image in physical memory
// and hands control to it.
//
// A loader creates one Platform per boot, describing the
// firmware, the architecture, and how the loader reaches
// physical memory. For each image, the loader opens a
// Handle, asks it for chunks of memory, fills them either
// directly or by staging data elsewhere and adding copy
// segments, and finally calls Boot. Boot generates a
// relocation program that performs the copies in place,
// loads the entry register state, and jumps to the image.
//
// Until Boot transfers control, Unload releases every
// chunk the handle allocated.
package relocator

import (
	"errors"
	"fmt"
	"log"

	"firefly-os.dev/relocator/boot"
	"firefly-os.dev/relocator/codegen"
	"firefly-os.dev/relocator/internal/fault"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/physmem"
	"firefly-os.dev/relocator/region"
	"firefly-os.dev/relocator/sys"
)

// Errors returned by the relocator. Match them with
// errors.Is.
var (
	ErrOutOfMemory        = fault.OutOfMemory
	ErrRelocationOverflow = fault.RelocationOverflow
	ErrFirmwareRejected   = fault.FirmwareRejected
	ErrBug                = fault.Bug
	ErrInvalid            = fault.Invalid
	ErrState              = fault.State
)

// Config describes a platform.
type Config struct {
	// Arch is the architecture of the image being
	// booted.
	Arch *sys.Arch

	// Firmware provides the memory map and, if it
	// tracks allocations, reserves memory on the
	// loader's behalf.
	Firmware memmap.Firmware

	// Memory gives the loader access to physical
	// memory. If nil, chunks cannot be read or
	// written and programs cannot be generated.
	Memory physmem.Memory

	// Heap lists the loader's own memory, which must
	// not be overwritten before control is handed
	// over.
	Heap []memmap.HeapBlock

	// Transfer performs the final jump. If nil, Boot
	// fails.
	Transfer boot.Transfer

	// Log, if not nil, receives a line for each
	// allocation and each stage of booting.
	Log *log.Logger
}

// Platform is the per-boot context shared by all
// handles.
type Platform struct {
	arch     *sys.Arch
	model    *memmap.Model
	alloc    *region.Allocator
	backend  codegen.Backend
	transfer boot.Transfer
	log      *log.Logger
	owners   int
}

// NewPlatform queries the firmware memory map and
// prepares to allocate memory for the given
// architecture.
func NewPlatform(cfg Config) (*Platform, error) {
	if cfg.Arch == nil || cfg.Firmware == nil {
		return nil, fmt.Errorf("relocator: architecture and firmware are required: %w", ErrInvalid)
	}

	backend, err := codegen.ForArch(cfg.Arch)
	if err != nil {
		return nil, err
	}

	model, err := memmap.Discover(cfg.Firmware, cfg.Arch.AddressLimit)
	if err != nil {
		return nil, err
	}

	p := &Platform{
		arch:     cfg.Arch,
		model:    model,
		alloc:    region.New(model, cfg.Memory, cfg.Heap),
		backend:  backend,
		transfer: cfg.Transfer,
		log:      cfg.Log,
	}

	return p, nil
}

// Arch returns the platform's architecture.
func (p *Platform) Arch() *sys.Arch { return p.arch }

// Model returns the platform's firmware memory model.
func (p *Platform) Model() *memmap.Model { return p.model }

// Allocator returns the platform's chunk allocator.
func (p *Platform) Allocator() *region.Allocator { return p.alloc }

// Backend returns the platform's code generator.
func (p *Platform) Backend() codegen.Backend { return p.backend }

func (p *Platform) logf(format string, v ...any) {
	if p.log != nil {
		p.log.Printf(format, v...)
	}
}

// New opens a handle for relocating one image.
func (p *Platform) New() *Handle {
	p.owners++
	return &Handle{platform: p, owner: p.owners, state: Open}
}

// State is the lifecycle stage of a handle.
type State uint8

const (
	Open          State = iota // Accepting chunks and segments.
	Planned                    // The copy plan is fixed.
	CodeGenerated              // The relocation program has been written.
	Committed                  // Control has been handed over.
	Unloaded                   // Every chunk has been released.
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Planned:
		return "planned"
	case CodeGenerated:
		return "code generated"
	case Committed:
		return "committed"
	case Unloaded:
		return "unloaded"
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

// errState returns the error for an operation that is
// not valid in the handle's current state.
func (h *Handle) errState(op string) error {
	return fmt.Errorf("relocator: cannot %s a handle that is %s: %w", op, h.state, ErrState)
}

// releaseAll frees the given chunks, newest first,
// returning any errors together.
func (p *Platform) releaseAll(chunks []*region.Chunk) error {
	var errs []error
	for i := len(chunks) - 1; i >= 0; i-- {
		c := chunks[i]
		err := p.alloc.Free(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		p.logf("freed %v", c)
	}

	return errors.Join(errs...)
}
