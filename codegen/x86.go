// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package codegen

import (
	"fmt"
	"math"
	"slices"

	"firefly-os.dev/relocator/internal/fault"
	"firefly-os.dev/relocator/internal/x86"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/sys"
)

// x86Backend emits code for x86 in either 32-bit
// protected mode or 64-bit long mode. Copies use
// rep movsb with the string registers.
type x86Backend struct {
	arch *sys.Arch
	mode uint8
}

var _ Backend = (*x86Backend)(nil)

func (b *x86Backend) Arch() *sys.Arch { return b.arch }

func (b *x86Backend) load(e *Emitter, reg *x86.Register, value uint64) error {
	code, err := x86.MovImm(reg, value)
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.RelocationOverflow)
	}

	e.Bytes(fmt.Sprintf("mov %s, %#x", reg, value), code)

	return nil
}

func (b *x86Backend) LoadImmediate(e *Emitter, reg string, value uint64) error {
	r, err := x86.Lookup(reg, b.mode)
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.Invalid)
	}

	return b.load(e, r, value)
}

func (b *x86Backend) registers() (src, dst, count *x86.Register) {
	if b.mode == 64 {
		return x86.RSI, x86.RDI, x86.RCX
	}

	return x86.ESI, x86.EDI, x86.ECX
}

func (b *x86Backend) CopyLoop(e *Emitter, op mover.Op) error {
	src, dst, count := b.registers()
	from, to := op.Src, op.Dst
	if op.Dir == mover.Backward {
		from += op.Size - 1
		to += op.Size - 1
	}

	for _, load := range []struct {
		reg   *x86.Register
		value uint64
	}{
		{src, from},
		{dst, to},
		{count, op.Size},
	} {
		err := b.load(e, load.reg, load.value)
		if err != nil {
			return err
		}
	}

	switch op.Dir {
	case mover.Forward:
		e.Bytes("cld; rep movsb", slices.Concat(x86.CLD, x86.REPMOVSB))
	case mover.Backward:
		e.Bytes("std; rep movsb; cld", slices.Concat(x86.STD, x86.REPMOVSB, x86.CLD))
	default:
		return fmt.Errorf("codegen: unknown copy direction %v: %w", op.Dir, fault.Invalid)
	}

	return nil
}

// Barrier emits nothing: instruction fetch on x86 is
// coherent with stores, and the final branch is enough
// to discard any stale prefetch.
func (b *x86Backend) Barrier(e *Emitter, written []memmap.Range) error {
	return nil
}

func (b *x86Backend) BranchRange() (min, max int64) {
	if b.mode == 32 {
		// rel32 wraps around the 32-bit address
		// space, so every address is reachable.
		return math.MinInt64, math.MaxInt64
	}

	// The displacement is relative to the end
	// of the 5-byte instruction.
	return math.MinInt32 + 5, math.MaxInt32 + 5
}

func (b *x86Backend) Jump(e *Emitter, target uint64) error {
	pc := e.PC()
	if !reaches(b, pc, target) {
		return overflow(b, pc, target)
	}

	rel := int32(uint32(target - (pc + 5)))
	e.Bytes(fmt.Sprintf("jmp %#x", target), x86.JmpRel32(rel))

	return nil
}

func (b *x86Backend) TrampolineTemplate() []byte {
	if b.mode == 64 {
		// jmp [rip+0]; .quad target
		return append(x86.JmpRIPIndirect(0), make([]byte, 8)...)
	}

	// push target; ret
	return slices.Concat(x86.PushImm32(0), x86.RET)
}

func (b *x86Backend) PatchTrampoline(slot []byte, target uint64) error {
	if b.mode == 64 {
		if len(slot) != 14 {
			return fmt.Errorf("codegen: bad x86-64 trampoline size %d: %w", len(slot), fault.Bug)
		}

		b.arch.WritePointer(slot[6:], target)

		return nil
	}

	if len(slot) != 6 {
		return fmt.Errorf("codegen: bad x86 trampoline size %d: %w", len(slot), fault.Bug)
	}

	if !b.arch.FitsPointer(target) {
		return fmt.Errorf("codegen: x86 trampoline target %#x exceeds 32 bits: %w", target, fault.RelocationOverflow)
	}

	b.arch.WritePointer(slot[1:], target)

	return nil
}

func (b *x86Backend) LoadState(e *Emitter, regs []Assignment) error {
	for _, r := range regs {
		err := b.LoadImmediate(e, r.Reg, r.Value)
		if err != nil {
			return err
		}
	}

	return nil
}
