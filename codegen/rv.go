// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package codegen

import (
	"encoding/binary"
	"fmt"

	"firefly-os.dev/relocator/internal/fault"
	"firefly-os.dev/relocator/internal/rv"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/sys"
)

// rvBackend emits RV64I code. Copies use t0-t3 and
// trampolines use t6.
type rvBackend struct{}

var _ Backend = (*rvBackend)(nil)

func (b *rvBackend) Arch() *sys.Arch { return sys.RISCV64 }

func (b *rvBackend) LoadImmediate(e *Emitter, reg string, value uint64) error {
	r, err := rv.Lookup(reg)
	if err != nil || r == rv.Zero {
		return fmt.Errorf("codegen: cannot load riscv64 register %q: %w", reg, fault.Invalid)
	}

	e.Words(fmt.Sprintf("li %s, %#x", r, value), rv.LoadImmediate(r, value)...)

	return nil
}

func (b *rvBackend) CopyLoop(e *Emitter, op mover.Op) error {
	bne, err := rv.BNE(rv.T2, rv.Zero, -20)
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.Bug)
	}

	var words []uint32
	var text string
	switch op.Dir {
	case mover.Forward:
		text = "copy forward"
		words = append(words, rv.LoadImmediate(rv.T0, op.Src)...)
		words = append(words, rv.LoadImmediate(rv.T1, op.Dst)...)
		words = append(words, rv.LoadImmediate(rv.T2, op.Size)...)
		words = append(words,
			rv.LBU(rv.T3, rv.T0, 0),
			rv.SB(rv.T3, rv.T1, 0),
			rv.ADDI(rv.T0, rv.T0, 1),
			rv.ADDI(rv.T1, rv.T1, 1),
		)
	case mover.Backward:
		text = "copy backward"
		words = append(words, rv.LoadImmediate(rv.T0, op.Src+op.Size)...)
		words = append(words, rv.LoadImmediate(rv.T1, op.Dst+op.Size)...)
		words = append(words, rv.LoadImmediate(rv.T2, op.Size)...)
		words = append(words,
			rv.ADDI(rv.T0, rv.T0, -1),
			rv.ADDI(rv.T1, rv.T1, -1),
			rv.LBU(rv.T3, rv.T0, 0),
			rv.SB(rv.T3, rv.T1, 0),
		)
	default:
		return fmt.Errorf("codegen: unknown copy direction %v: %w", op.Dir, fault.Invalid)
	}

	words = append(words, rv.ADDI(rv.T2, rv.T2, -1), bne)
	e.Words(fmt.Sprintf("%s %#x -> %#x (%#x bytes)", text, op.Src, op.Dst, op.Size), words...)

	return nil
}

// Barrier synchronises this hart's instruction fetch
// with its own stores.
func (b *rvBackend) Barrier(e *Emitter, written []memmap.Range) error {
	e.Words("fence.i", rv.FENCEI)
	return nil
}

func (b *rvBackend) BranchRange() (min, max int64) { return rv.JALRange() }

func (b *rvBackend) Jump(e *Emitter, target uint64) error {
	pc := e.PC()
	if !reaches(b, pc, target) {
		return overflow(b, pc, target)
	}

	inst, err := rv.JAL(rv.Zero, int64(target-pc))
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.RelocationOverflow)
	}

	e.Words(fmt.Sprintf("j %#x", target), inst)

	return nil
}

func (b *rvBackend) TrampolineTemplate() []byte {
	// auipc t6, 0; ld t6, 16(t6); jr t6; nop; .quad target
	words := []uint32{
		rv.AUIPC(rv.T6, 0),
		rv.LD(rv.T6, rv.T6, 16),
		rv.JALR(rv.Zero, rv.T6, 0),
		rv.NOP,
	}

	tramp := make([]byte, 24)
	for i, w := range words {
		binary.LittleEndian.PutUint32(tramp[4*i:], w)
	}

	return tramp
}

func (b *rvBackend) PatchTrampoline(slot []byte, target uint64) error {
	if len(slot) != 24 {
		return fmt.Errorf("codegen: bad riscv64 trampoline size %d: %w", len(slot), fault.Bug)
	}

	sys.RISCV64.WritePointer(slot[16:], target)

	return nil
}

func (b *rvBackend) LoadState(e *Emitter, regs []Assignment) error {
	for _, r := range regs {
		err := b.LoadImmediate(e, r.Reg, r.Value)
		if err != nil {
			return err
		}
	}

	return nil
}
