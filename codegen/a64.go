// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package codegen

import (
	"encoding/binary"
	"fmt"
	"strings"

	"firefly-os.dev/relocator/internal/a64"
	"firefly-os.dev/relocator/internal/fault"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/sys"
)

// a64CacheLine is the smallest data cache line
// size the architecture permits.
const a64CacheLine = 16

// a64Backend emits A64 code. Copies use x0-x3 and
// trampolines use x16. The stack pointer is loaded
// through x17.
type a64Backend struct{}

var _ Backend = (*a64Backend)(nil)

func (b *a64Backend) Arch() *sys.Arch { return sys.ARM64 }

// li loads value into rd with movz and three movk,
// even when fewer would do.
func (b *a64Backend) li(rd *a64.Register, value uint64) []uint32 {
	return []uint32{
		a64.MOVZ(rd, uint16(value), 0),
		a64.MOVK(rd, uint16(value>>16), 1),
		a64.MOVK(rd, uint16(value>>32), 2),
		a64.MOVK(rd, uint16(value>>48), 3),
	}
}

func (b *a64Backend) LoadImmediate(e *Emitter, reg string, value uint64) error {
	r, ok := a64.RegistersByName[strings.ToLower(reg)]
	if !ok || r == a64.XZR {
		return fmt.Errorf("codegen: cannot load arm64 register %q: %w", reg, fault.Invalid)
	}

	if r == a64.SP {
		words := append(b.li(a64.X17, value), a64.ADDImm(a64.SP, a64.X17, 0))
		e.Words(fmt.Sprintf("mov sp, %#x", value), words...)
		return nil
	}

	e.Words(fmt.Sprintf("mov %s, %#x", r, value), b.li(r, value)...)

	return nil
}

func (b *a64Backend) CopyLoop(e *Emitter, op mover.Op) error {
	var words []uint32
	var text string
	switch op.Dir {
	case mover.Forward:
		text = "copy forward"
		words = append(words, b.li(a64.X0, op.Src)...)
		words = append(words, b.li(a64.X1, op.Dst)...)
		words = append(words, b.li(a64.X2, op.Size)...)
		words = append(words,
			a64.LDRBPost(a64.X3, a64.X0, 1),
			a64.STRBPost(a64.X3, a64.X1, 1),
		)
	case mover.Backward:
		text = "copy backward"
		words = append(words, b.li(a64.X0, op.Src+op.Size)...)
		words = append(words, b.li(a64.X1, op.Dst+op.Size)...)
		words = append(words, b.li(a64.X2, op.Size)...)
		words = append(words,
			a64.LDRBPre(a64.X3, a64.X0, -1),
			a64.STRBPre(a64.X3, a64.X1, -1),
		)
	default:
		return fmt.Errorf("codegen: unknown copy direction %v: %w", op.Dir, fault.Invalid)
	}

	bne, err := a64.BCond(a64.CondNE, -12)
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.Bug)
	}

	words = append(words, a64.SUBSImm(a64.X2, a64.X2, 1), bne)
	e.Words(fmt.Sprintf("%s %#x -> %#x (%#x bytes)", text, op.Src, op.Dst, op.Size), words...)

	return nil
}

// Barrier cleans each written line to the point of
// unification, then invalidates the instruction cache.
func (b *a64Backend) Barrier(e *Emitter, written []memmap.Range) error {
	blo, err := a64.BCond(a64.CondLO, -12)
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.Bug)
	}

	for _, r := range written {
		var words []uint32
		words = append(words, b.li(a64.X0, r.Start&^(a64CacheLine-1))...)
		words = append(words, b.li(a64.X2, r.End)...)
		words = append(words,
			a64.DCCVAU(a64.X0),
			a64.ADDImm(a64.X0, a64.X0, a64CacheLine),
			a64.CMP(a64.X0, a64.X2),
			blo,
		)

		e.Words(fmt.Sprintf("clean %v", r), words...)
	}

	e.Words("dsb ish; ic iallu; dsb ish; isb", a64.DSBISH, a64.ICIALLU, a64.DSBISH, a64.ISB)

	return nil
}

func (b *a64Backend) BranchRange() (min, max int64) { return a64.BRange() }

func (b *a64Backend) Jump(e *Emitter, target uint64) error {
	pc := e.PC()
	if !reaches(b, pc, target) {
		return overflow(b, pc, target)
	}

	inst, err := a64.B(int64(target - pc))
	if err != nil {
		return fmt.Errorf("codegen: %v: %w", err, fault.RelocationOverflow)
	}

	e.Words(fmt.Sprintf("b %#x", target), inst)

	return nil
}

func (b *a64Backend) TrampolineTemplate() []byte {
	ldr, err := a64.LDRLiteral(a64.X16, 8)
	if err != nil {
		panic(err)
	}

	// ldr x16, .+8; br x16; .quad target
	tramp := make([]byte, 16)
	binary.LittleEndian.PutUint32(tramp[0:], ldr)
	binary.LittleEndian.PutUint32(tramp[4:], a64.BR(a64.X16))

	return tramp
}

func (b *a64Backend) PatchTrampoline(slot []byte, target uint64) error {
	if len(slot) != 16 {
		return fmt.Errorf("codegen: bad arm64 trampoline size %d: %w", len(slot), fault.Bug)
	}

	sys.ARM64.WritePointer(slot[8:], target)

	return nil
}

func (b *a64Backend) LoadState(e *Emitter, regs []Assignment) error {
	for _, r := range regs {
		err := b.LoadImmediate(e, r.Reg, r.Value)
		if err != nil {
			return err
		}
	}

	return nil
}
