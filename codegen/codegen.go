// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package codegen writes relocation programs.
//
// A relocation program performs a copy plan, makes the
// copied bytes visible to instruction fetch, optionally
// loads the entry register state, and branches to its
// target. When the target is out of range of a direct
// branch, the branch goes to a trampoline slot at the end
// of the program instead, which jumps to the target
// indirectly.
//
// Every instruction sequence a Backend emits has a size
// that depends only on the kind of sequence, never on the
// values encoded in it. This means Layout can compute the
// exact size of a program, and how many trampolines it
// needs, without writing anything, before the memory for
// the program has been chosen.
package codegen

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/cryptobyte"

	"firefly-os.dev/relocator/internal/fault"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/sys"
)

// slotAlignment is the alignment of the first
// trampoline slot, relative to the start of the
// program. Slots hold 64-bit literals.
const slotAlignment = 8

// Assignment is a value to be loaded into a named
// register before control reaches the entry point.
type Assignment struct {
	Reg   string
	Value uint64
}

// Backend emits the instruction sequences for one
// architecture.
type Backend interface {
	// Arch returns the architecture the backend
	// targets.
	Arch() *sys.Arch

	// LoadImmediate loads value into the named
	// register.
	LoadImmediate(e *Emitter, reg string, value uint64) error

	// CopyLoop performs op, copying one byte at a
	// time in op's direction.
	CopyLoop(e *Emitter, op mover.Op) error

	// Barrier makes the bytes written to the given
	// ranges visible to instruction fetch.
	Barrier(e *Emitter, written []memmap.Range) error

	// BranchRange returns the smallest and largest
	// displacements, relative to the address of the
	// branch, that Jump can reach.
	BranchRange() (min, max int64)

	// Jump branches directly to target, which must be
	// within the branch range.
	Jump(e *Emitter, target uint64) error

	// TrampolineTemplate returns a new copy of the
	// trampoline code, with no target set.
	TrampolineTemplate() []byte

	// PatchTrampoline sets the target of a trampoline
	// returned by TrampolineTemplate.
	PatchTrampoline(slot []byte, target uint64) error

	// LoadState loads each assignment, in order.
	LoadState(e *Emitter, regs []Assignment) error
}

// ForArch returns the backend for the given
// architecture.
func ForArch(arch *sys.Arch) (Backend, error) {
	switch arch {
	case sys.X86:
		return &x86Backend{arch: arch, mode: 32}, nil
	case sys.X86_64:
		return &x86Backend{arch: arch, mode: 64}, nil
	case sys.ARM64:
		return &a64Backend{}, nil
	case sys.RISCV64:
		return &rvBackend{}, nil
	case sys.PPC:
		return &ppcBackend{}, nil
	}

	return nil, fmt.Errorf("codegen: no backend for architecture %s: %w", arch, fault.Invalid)
}

// reaches reports whether a direct branch at pc can
// reach target.
func reaches(b Backend, pc, target uint64) bool {
	min, max := b.BranchRange()
	disp := int64(target - pc)
	if disp < min || disp > max {
		return false
	}

	align := b.Arch().CodeAlignment
	return align <= 1 || target%align == 0
}

// overflow returns an error for a branch that cannot
// reach its target.
func overflow(b Backend, pc, target uint64) error {
	min, max := b.BranchRange()
	return fmt.Errorf("codegen: %s branch at %#x cannot reach %#x (range %d to %d): %w",
		b.Arch(), pc, target, min, max, fault.RelocationOverflow)
}

// Line is one group of instructions in a program's
// listing.
type Line struct {
	Addr uint64
	Data []byte
	Text string
}

// Emitter accumulates machine code at a known address.
// An emitter with no builder only measures the code.
type Emitter struct {
	arch  *sys.Arch
	pc    uint64
	b     *cryptobyte.Builder
	lines []Line
}

// PC returns the address of the next byte to be
// emitted.
func (e *Emitter) PC() uint64 { return e.pc }

// Arch returns the architecture being emitted.
func (e *Emitter) Arch() *sys.Arch { return e.arch }

// Bytes emits data as a single listing line.
func (e *Emitter) Bytes(text string, data []byte) {
	e.lines = append(e.lines, Line{Addr: e.pc, Data: data, Text: text})
	if e.b != nil {
		e.b.AddBytes(data)
	}

	e.pc += uint64(len(data))
}

// Words emits fixed-width instructions, in the
// architecture's byte order, as a single listing
// line.
func (e *Emitter) Words(text string, words ...uint32) {
	data := make([]byte, 4*len(words))
	for i, w := range words {
		e.arch.ByteOrder.PutUint32(data[4*i:], w)
	}

	e.Bytes(text, data)
}

// measure returns the number of bytes fn emits
// at pc.
func measure(arch *sys.Arch, pc uint64, fn func(e *Emitter) error) (uint64, error) {
	e := &Emitter{arch: arch, pc: pc}
	err := fn(e)
	if err != nil {
		return 0, err
	}

	return e.pc - pc, nil
}

// Request describes a relocation program.
type Request struct {
	Plan   *mover.CopyPlan // May be nil.
	Regs   []Assignment    // Loaded after the copies.
	Target uint64          // The final branch destination.
	Slots  int             // Trampoline slots to reserve.
}

// Shape describes the layout of a program.
type Shape struct {
	Size        uint64 // Total size, including the trampoline slots.
	SlotOffset  uint64 // Offset of the first trampoline slot.
	Slots       int    // Trampoline slots reserved.
	Trampolines int    // Trampolines the program needs.
}

// Program is a generated relocation program. Code is
// a copy of the bytes written to memory, so that the
// copy in memory can be checked against it.
type Program struct {
	Arch   *sys.Arch
	Base   uint64
	Code   []byte
	Shape  Shape
	Plan   *mover.CopyPlan
	Regs   []Assignment
	Target uint64
	Lines  []Line
}

// Entry returns the address where execution of the
// program begins.
func (p *Program) Entry() uint64 { return p.Base }

// Listing returns a human-readable description of the
// program, one line per instruction group.
func (p *Program) Listing() string {
	var b strings.Builder
	for _, l := range p.Lines {
		fmt.Fprintf(&b, "%08x  %3d  %s\n", l.Addr, len(l.Data), l.Text)
	}

	return b.String()
}

// emit writes the program for req at base into e,
// returning its shape. If a trampoline is needed but
// none are reserved, the branch is emitted pointing at
// itself and the shape reports the shortfall.
func emit(b Backend, e *Emitter, req *Request) (Shape, error) {
	base := e.PC()
	shape := Shape{Slots: req.Slots}

	var written []memmap.Range
	if req.Plan != nil {
		for _, op := range req.Plan.Ops {
			err := b.CopyLoop(e, op)
			if err != nil {
				return Shape{}, err
			}

			written = append(written, op.Destination())
		}
	}

	if len(written) > 0 {
		err := b.Barrier(e, written)
		if err != nil {
			return Shape{}, err
		}
	}

	err := b.LoadState(e, req.Regs)
	if err != nil {
		return Shape{}, err
	}

	branch := e.PC()
	jumpSize, err := measure(b.Arch(), branch, func(e *Emitter) error { return b.Jump(e, e.PC()) })
	if err != nil {
		return Shape{}, err
	}

	end := branch + jumpSize - base
	shape.SlotOffset = end
	if req.Slots > 0 {
		shape.SlotOffset = (end + slotAlignment - 1) &^ (slotAlignment - 1)
	}

	slot := base + shape.SlotOffset
	dest := req.Target
	if !reaches(b, branch, req.Target) {
		shape.Trampolines = 1
		switch {
		case req.Slots > 0 && reaches(b, branch, slot):
			dest = slot
		case e.b == nil:
			dest = branch
		default:
			return Shape{}, overflow(b, branch, req.Target)
		}
	}

	err = b.Jump(e, dest)
	if err != nil {
		return Shape{}, err
	}

	if pad := slot - e.PC(); req.Slots > 0 && pad > 0 {
		e.Bytes("padding", make([]byte, pad))
	}

	for i := 0; i < req.Slots; i++ {
		tramp := b.TrampolineTemplate()
		text := "trampoline (unused)"
		if i < shape.Trampolines {
			err = b.PatchTrampoline(tramp, req.Target)
			if err != nil {
				return Shape{}, err
			}

			text = fmt.Sprintf("trampoline to %#x", req.Target)
		}

		e.Bytes(text, tramp)
	}

	shape.Size = e.PC() - base

	return shape, nil
}

// Layout measures the program for req at base without
// writing it. The program's size does not depend on
// base, but the number of trampolines it needs may.
func Layout(b Backend, req *Request, base uint64) (Shape, error) {
	e := &Emitter{arch: b.Arch(), pc: base}
	return emit(b, e, req)
}

// Generate writes the program for req at base into buf,
// which must have room for the whole program.
//
// Generate fails with fault.RelocationOverflow if the
// program needs more trampolines than req reserves.
func Generate(b Backend, req *Request, base uint64, buf []byte) (*Program, error) {
	shape, err := Layout(b, req, base)
	if err != nil {
		return nil, err
	}

	if shape.Trampolines > req.Slots {
		return nil, fmt.Errorf("codegen: program at %#x needs %d trampolines but %d are reserved: %w",
			base, shape.Trampolines, req.Slots, fault.RelocationOverflow)
	}

	if uint64(len(buf)) < shape.Size {
		return nil, fmt.Errorf("codegen: program needs %d bytes but buffer has %d: %w", shape.Size, len(buf), fault.Invalid)
	}

	builder := cryptobyte.NewFixedBuilder(buf[:0:shape.Size])
	e := &Emitter{arch: b.Arch(), pc: base, b: builder}
	got, err := emit(b, e, req)
	if err != nil {
		return nil, err
	}

	code, err := builder.Bytes()
	if err != nil {
		return nil, fmt.Errorf("codegen: program outgrew its layout: %v: %w", err, fault.Bug)
	}

	if got != shape || uint64(len(code)) != shape.Size {
		return nil, fmt.Errorf("codegen: program layout changed from %+v to %+v: %w", shape, got, fault.Bug)
	}

	prog := &Program{
		Arch:   b.Arch(),
		Base:   base,
		Code:   slices.Clone(code),
		Shape:  shape,
		Plan:   req.Plan,
		Regs:   req.Regs,
		Target: req.Target,
		Lines:  e.lines,
	}

	return prog, nil
}
