// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package codegen

import (
	"encoding/binary"
	"fmt"
	"math"

	"firefly-os.dev/relocator/internal/fault"
	"firefly-os.dev/relocator/internal/ppc"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/sys"
)

// ppcCacheLine is the cache block size of the 32-bit
// PowerPC cores the backend supports.
const ppcCacheLine = 32

// ppcBackend emits 32-bit big-endian PowerPC code.
// Copies use r3-r6 and the count register, and
// trampolines use r12.
type ppcBackend struct{}

var _ Backend = (*ppcBackend)(nil)

func (b *ppcBackend) Arch() *sys.Arch { return sys.PPC }

func (b *ppcBackend) li(rd ppc.Register, value uint64) ([]uint32, error) {
	if value > math.MaxUint32 {
		return nil, fmt.Errorf("codegen: %#x does not fit in %s: %w", value, rd, fault.RelocationOverflow)
	}

	return ppc.LoadImmediate(rd, uint32(value)), nil
}

func (b *ppcBackend) LoadImmediate(e *Emitter, reg string, value uint64) error {
	r, err := ppc.Lookup(reg)
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.Invalid)
	}

	words, err := b.li(r, value)
	if err != nil {
		return err
	}

	e.Words(fmt.Sprintf("li %s, %#x", r, value), words...)

	return nil
}

func (b *ppcBackend) CopyLoop(e *Emitter, op mover.Op) error {
	limit := sys.PPC.AddressLimit
	if op.Size > limit || op.Src > limit-op.Size || op.Dst > limit-op.Size {
		return fmt.Errorf("codegen: copy %v exceeds the ppc address space: %w", op, fault.RelocationOverflow)
	}

	var from, to uint64
	var step int16
	var text string
	switch op.Dir {
	case mover.Forward:
		// The update forms add before accessing, and
		// addresses wrap at 32 bits.
		text = "copy forward"
		from, to, step = uint64(uint32(op.Src-1)), uint64(uint32(op.Dst-1)), 1
	case mover.Backward:
		text = "copy backward"
		from, to, step = uint64(uint32(op.Src+op.Size)), uint64(uint32(op.Dst+op.Size)), -1
	default:
		return fmt.Errorf("codegen: unknown copy direction %v: %w", op.Dir, fault.Invalid)
	}

	var words []uint32
	for _, load := range []struct {
		reg   ppc.Register
		value uint64
	}{
		{ppc.R3, from},
		{ppc.R4, to},
		{ppc.R5, op.Size},
	} {
		li, err := b.li(load.reg, load.value)
		if err != nil {
			return err
		}

		words = append(words, li...)
	}

	bdnz, err := ppc.BDNZ(-8)
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.Bug)
	}

	words = append(words,
		ppc.MTCTR(ppc.R5),
		ppc.LBZU(ppc.R6, ppc.R3, step),
		ppc.STBU(ppc.R6, ppc.R4, step),
		bdnz,
	)

	e.Words(fmt.Sprintf("%s %#x -> %#x (%#x bytes)", text, op.Src, op.Dst, op.Size), words...)

	return nil
}

// Barrier writes each written cache block back to
// memory and invalidates it in the instruction cache.
func (b *ppcBackend) Barrier(e *Emitter, written []memmap.Range) error {
	bdnz, err := ppc.BDNZ(-16)
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.Bug)
	}

	for _, r := range written {
		start := r.Start &^ (ppcCacheLine - 1)
		blocks := (r.End - start + ppcCacheLine - 1) / ppcCacheLine

		var words []uint32
		for _, load := range []struct {
			reg   ppc.Register
			value uint64
		}{
			{ppc.R3, start},
			{ppc.R5, blocks},
		} {
			li, err := b.li(load.reg, load.value)
			if err != nil {
				return err
			}

			words = append(words, li...)
		}

		words = append(words,
			ppc.MTCTR(ppc.R5),
			ppc.DCBST(ppc.R3),
			ppc.SYNC,
			ppc.ICBI(ppc.R3),
			ppc.ADDI(ppc.R3, ppc.R3, ppcCacheLine),
			bdnz,
		)

		e.Words(fmt.Sprintf("flush %v", r), words...)
	}

	e.Words("sync; isync", ppc.SYNC, ppc.ISYNC)

	return nil
}

func (b *ppcBackend) BranchRange() (min, max int64) { return ppc.BRange() }

func (b *ppcBackend) Jump(e *Emitter, target uint64) error {
	pc := e.PC()
	if !reaches(b, pc, target) {
		return overflow(b, pc, target)
	}

	inst, err := ppc.B(int64(target - pc))
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.RelocationOverflow)
	}

	e.Words(fmt.Sprintf("b %#x", target), inst)

	return nil
}

func (b *ppcBackend) trampoline(target uint32) []byte {
	// lis r12, target@h; ori r12, r12, target@l; mtctr r12; bctr
	words := append(ppc.LoadImmediate(ppc.R12, target), ppc.MTCTR(ppc.R12), ppc.BCTR)
	tramp := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(tramp[4*i:], w)
	}

	return tramp
}

func (b *ppcBackend) TrampolineTemplate() []byte { return b.trampoline(0) }

func (b *ppcBackend) PatchTrampoline(slot []byte, target uint64) error {
	if len(slot) != 16 {
		return fmt.Errorf("codegen: bad ppc trampoline size %d: %w", len(slot), fault.Bug)
	}

	if !sys.PPC.FitsPointer(target) {
		return fmt.Errorf("codegen: ppc trampoline target %#x exceeds 32 bits: %w", target, fault.RelocationOverflow)
	}

	copy(slot, b.trampoline(uint32(target)))

	return nil
}

func (b *ppcBackend) LoadState(e *Emitter, regs []Assignment) error {
	for _, r := range regs {
		err := b.LoadImmediate(e, r.Reg, r.Value)
		if err != nil {
			return err
		}
	}

	return nil
}
