// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package relocator

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"firefly-os.dev/relocator/boot"
	"firefly-os.dev/relocator/codegen"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/region"
)

// programAlignment is the minimum alignment of a
// relocation program.
const programAlignment = 16

// Handle tracks the memory and copies for one image.
type Handle struct {
	platform *Platform
	owner    int
	state    State

	chunks  []*region.Chunk
	segs    []mover.Segment
	slots   int
	plan    *mover.CopyPlan
	program *region.Chunk
	prog    *codegen.Program
}

// State returns the handle's lifecycle stage.
func (h *Handle) State() State { return h.state }

// Chunks returns the chunks allocated through the
// handle, not including the relocation program.
func (h *Handle) Chunks() []*region.Chunk { return slices.Clone(h.chunks) }

// Segments returns the copy segments added so far.
func (h *Handle) Segments() []mover.Segment { return slices.Clone(h.segs) }

// CopyPlan returns the handle's copy plan, or nil
// if it has not been planned.
func (h *Handle) CopyPlan() *mover.CopyPlan { return h.plan }

// Program returns the most recently generated
// relocation program, or nil.
func (h *Handle) Program() *codegen.Program { return h.prog }

func (h *Handle) addChunk(c *region.Chunk) *region.Chunk {
	h.chunks = append(h.chunks, c)
	h.platform.logf("handle %d: allocated %v", h.owner, c)

	return c
}

// AllocChunkAddr allocates size bytes at addr.
func (h *Handle) AllocChunkAddr(addr, size uint64) (*region.Chunk, error) {
	if h.state != Open {
		return nil, h.errState("allocate from")
	}

	c, err := h.platform.alloc.AllocAddr(h.owner, addr, size)
	if err != nil {
		return nil, err
	}

	return h.addChunk(c), nil
}

// AllocChunkAlign allocates size bytes in [min, max)
// with the given alignment.
func (h *Handle) AllocChunkAlign(min, max, size, align uint64, pref region.Preference) (*region.Chunk, error) {
	if h.state != Open {
		return nil, h.errState("allocate from")
	}

	c, err := h.platform.alloc.AllocAlign(h.owner, min, max, size, align, pref)
	if err != nil {
		return nil, err
	}

	return h.addChunk(c), nil
}

// AddSegment records a copy to be performed just
// before control is handed over. The destination
// must lie within a single chunk of the handle.
func (h *Handle) AddSegment(seg mover.Segment) error {
	if h.state != Open {
		return h.errState("add a segment to")
	}

	if _, ok := memmap.Span(seg.Src, seg.Size); !ok {
		return fmt.Errorf("relocator: segment %v overflows: %w", seg, ErrInvalid)
	}

	if _, ok := memmap.Span(seg.Dst, seg.Size); !ok {
		return fmt.Errorf("relocator: segment %v overflows: %w", seg, ErrInvalid)
	}

	if seg.Size != 0 {
		dst := seg.Destination()
		inside := slices.ContainsFunc(h.chunks, func(c *region.Chunk) bool {
			return c.Range().Contains(dst)
		})

		if !inside {
			return fmt.Errorf("relocator: segment %v writes outside the handle's chunks: %w", seg, ErrInvalid)
		}
	}

	h.segs = append(h.segs, seg)

	return nil
}

// ReserveTrampolines sets the number of trampoline
// slots the relocation program will carry. Each slot
// lets one branch reach a target beyond the range of
// a direct branch. It may be called again after
// Layout reports how many the program needs.
func (h *Handle) ReserveTrampolines(n int) error {
	switch h.state {
	case Open, Planned, CodeGenerated:
	default:
		return h.errState("reserve trampolines in")
	}

	if n < 0 {
		return fmt.Errorf("relocator: negative trampoline count %d: %w", n, ErrInvalid)
	}

	h.slots = n

	return nil
}

// Plan fixes the order of the handle's copies. No
// further chunks or segments can be added.
func (h *Handle) Plan() (*mover.CopyPlan, error) {
	if h.state != Open {
		return nil, h.errState("plan")
	}

	// Chunks belonging to other handles and to
	// relocation programs must survive the copies.
	var protected []memmap.Range
	for _, c := range h.platform.alloc.Chunks() {
		if c.Owner != h.owner || c == h.program {
			protected = append(protected, c.Range())
		}
	}

	plan, err := mover.Plan(h.segs, protected)
	if err != nil {
		return nil, err
	}

	h.plan = plan
	h.state = Planned
	h.platform.logf("handle %d: planned %d copies (%d bytes)", h.owner, len(plan.Ops), plan.Bytes())

	return plan, nil
}

func (h *Handle) request(target uint64, regs []boot.Assignment) (*codegen.Request, error) {
	arch := h.platform.arch
	if target >= arch.AddressLimit || (arch.CodeAlignment > 1 && target%arch.CodeAlignment != 0) {
		return nil, fmt.Errorf("relocator: bad %s branch target %#x: %w", arch, target, ErrInvalid)
	}

	if h.state == Open {
		_, err := h.Plan()
		if err != nil {
			return nil, err
		}
	}

	req := &codegen.Request{
		Plan:   h.plan,
		Regs:   regs,
		Target: target,
		Slots:  h.slots,
	}

	return req, nil
}

// nearTarget returns the range of addresses from which
// a direct branch could reach target. A program placed
// wholly inside the range reaches target from any of
// its instructions, including the final branch.
func (h *Handle) nearTarget(target uint64) (min, max uint64) {
	lo, hi := h.platform.backend.BranchRange()
	limit := h.platform.arch.AddressLimit
	min, max = 0, limit
	if hi >= 0 && hi < math.MaxInt64 && uint64(hi) < target {
		min = target - uint64(hi)
	}

	if lo <= 0 && lo > math.MinInt64 && uint64(-lo) < limit-target {
		max = target + uint64(-lo)
	}

	return min, max
}

// placeProgram allocates the program chunk, preferring
// memory within direct reach of the target. The chunk
// never overlaps the source or destination of a copy.
func (h *Handle) placeProgram(target, size uint64) error {
	if h.program != nil {
		if h.program.Size == size {
			return nil
		}

		err := h.platform.releaseAll([]*region.Chunk{h.program})
		h.program = nil
		if err != nil {
			return err
		}
	}

	var avoid []memmap.Range
	for _, seg := range h.segs {
		avoid = append(avoid, seg.Source(), seg.Destination())
	}

	align := max(programAlignment, h.platform.arch.CodeAlignment)
	alloc := h.platform.alloc
	lo, hi := h.nearTarget(target)
	c, err := alloc.AllocAlign(h.owner, lo, hi, size, align, region.PreferNone, avoid...)
	if err != nil {
		c, err = alloc.AllocAlign(h.owner, 0, h.platform.arch.AddressLimit, size, align, region.PreferNone, avoid...)
		if err != nil {
			return fmt.Errorf("relocator: failed to place %d-byte relocation program: %w", size, err)
		}
	}

	h.program = c
	h.platform.logf("handle %d: relocation program at %v", h.owner, c)

	return nil
}

// Layout places the relocation program without
// generating it, returning its shape. The shape
// reports how many trampolines the program needs.
func (h *Handle) Layout(target uint64) (codegen.Shape, error) {
	return h.layout(target, nil)
}

func (h *Handle) layout(target uint64, regs []boot.Assignment) (codegen.Shape, error) {
	switch h.state {
	case Open, Planned, CodeGenerated:
	default:
		return codegen.Shape{}, h.errState("lay out")
	}

	req, err := h.request(target, regs)
	if err != nil {
		return codegen.Shape{}, err
	}

	backend := h.platform.backend
	shape, err := codegen.Layout(backend, req, 0)
	if err != nil {
		return codegen.Shape{}, err
	}

	err = h.placeProgram(target, shape.Size)
	if err != nil {
		return codegen.Shape{}, err
	}

	return codegen.Layout(backend, req, h.program.Target)
}

// PrepareRelocs generates the relocation program, which
// performs the handle's copies and then branches to
// target, without running it. It returns the program's
// address and size.
func (h *Handle) PrepareRelocs(target uint64) (addr, size uint64, err error) {
	prog, err := h.prepare(target, nil)
	if err != nil {
		return 0, 0, err
	}

	return prog.Base, uint64(len(prog.Code)), nil
}

func (h *Handle) prepare(target uint64, regs []boot.Assignment) (*codegen.Program, error) {
	if _, err := h.layout(target, regs); err != nil {
		return nil, err
	}

	req, err := h.request(target, regs)
	if err != nil {
		return nil, err
	}

	buf, err := h.program.Bytes()
	if err != nil {
		return nil, fmt.Errorf("relocator: cannot write relocation program: %w", err)
	}

	prog, err := codegen.Generate(h.platform.backend, req, h.program.Target, buf)
	if err != nil {
		return nil, err
	}

	h.prog = prog
	h.state = CodeGenerated
	h.platform.logf("handle %d: generated %d-byte program at %#x, branching to %#x", h.owner, len(prog.Code), prog.Base, target)

	return prog, nil
}

// PrepareBoot generates the relocation program that
// Boot would run for the given entry state, without
// handing over control.
//
// A stack pointer that breaks the architecture's entry
// stack alignment is rejected with ErrInvalid.
func (h *Handle) PrepareBoot(state boot.State) (*codegen.Program, error) {
	arch := h.platform.arch
	if state == nil || state.Arch() != arch {
		return nil, fmt.Errorf("relocator: entry state does not match architecture %s: %w", arch, ErrInvalid)
	}

	regs := state.Assignments()
	for _, r := range regs {
		if strings.EqualFold(r.Reg, arch.StackPointer) && !arch.StackAligned(r.Value) {
			return nil, fmt.Errorf("relocator: %s stack pointer %#x is not %d-byte aligned: %w", arch, r.Value, arch.StackAlignment, ErrInvalid)
		}
	}

	return h.prepare(state.Entry(), regs)
}

// Boot generates the relocation program with the given
// entry state, tells firmware that the loader is
// finished with it, and transfers control to the
// program.
//
// Boot only returns if something fails before control
// is transferred.
func (h *Handle) Boot(state boot.State) error {
	p := h.platform
	if state == nil || state.Arch() != p.arch {
		return fmt.Errorf("relocator: entry state does not match architecture %s: %w", p.arch, ErrInvalid)
	}

	if p.transfer == nil {
		return fmt.Errorf("relocator: platform has no transfer: %w", ErrInvalid)
	}

	prog, err := h.PrepareBoot(state)
	if err != nil {
		return err
	}

	err = p.model.ExitBootServices()
	if err != nil {
		return fmt.Errorf("relocator: %w: %w", ErrFirmwareRejected, err)
	}

	h.state = Committed
	p.logf("handle %d: transferring to %#x via %#x", h.owner, state.Entry(), prog.Base)
	p.transfer.Transfer(prog)

	panic("relocator: control returned from transfer")
}

// Unload releases every chunk allocated through the
// handle. The handle cannot be used afterwards.
func (h *Handle) Unload() error {
	switch h.state {
	case Open, Planned, CodeGenerated:
	default:
		return h.errState("unload")
	}

	chunks := h.chunks
	if h.program != nil {
		chunks = append(slices.Clone(chunks), h.program)
	}

	h.chunks = nil
	h.program = nil
	h.prog = nil
	h.plan = nil
	h.segs = nil
	h.state = Unloaded

	err := h.platform.releaseAll(chunks)
	if err != nil {
		return fmt.Errorf("relocator: unload incomplete: %w", err)
	}

	return nil
}
