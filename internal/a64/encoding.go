// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package a64 encodes the small subset of A64 instructions
// used by relocation programs.
package a64

import (
	"fmt"
)

// Condition codes for B.cond.
const (
	CondEQ uint32 = 0x0
	CondNE uint32 = 0x1
	CondHS uint32 = 0x2
	CondLO uint32 = 0x3
)

// Fixed instructions.
const (
	DSBISH  uint32 = 0xd5033b9f // dsb ish
	ICIALLU uint32 = 0xd508751f // ic iallu
	ISB     uint32 = 0xd5033fdf // isb
	NOP     uint32 = 0xd503201f // nop
)

// MOVZ encodes movz rd, #imm16, lsl #(16*hw).
func MOVZ(rd *Register, imm16 uint16, hw uint32) uint32 {
	return 0xd2800000 | (hw&3)<<21 | uint32(imm16)<<5 | rd.Num
}

// MOVK encodes movk rd, #imm16, lsl #(16*hw).
func MOVK(rd *Register, imm16 uint16, hw uint32) uint32 {
	return 0xf2800000 | (hw&3)<<21 | uint32(imm16)<<5 | rd.Num
}

// ADDImm encodes add rd, rn, #imm12. Either
// register may be SP.
func ADDImm(rd, rn *Register, imm12 uint32) uint32 {
	return 0x91000000 | (imm12&0xfff)<<10 | rn.Num<<5 | rd.Num
}

// SUBSImm encodes subs rd, rn, #imm12.
func SUBSImm(rd, rn *Register, imm12 uint32) uint32 {
	return 0xf1000000 | (imm12&0xfff)<<10 | rn.Num<<5 | rd.Num
}

// CMP encodes cmp rn, rm.
func CMP(rn, rm *Register) uint32 {
	return 0xeb000000 | rm.Num<<16 | rn.Num<<5 | XZR.Num
}

func imm9(off int32) uint32 { return uint32(off) & 0x1ff }

// LDRBPost encodes ldrb wt, [rn], #off.
func LDRBPost(rt, rn *Register, off int32) uint32 {
	return 0x38400400 | imm9(off)<<12 | rn.Num<<5 | rt.Num
}

// LDRBPre encodes ldrb wt, [rn, #off]!.
func LDRBPre(rt, rn *Register, off int32) uint32 {
	return 0x38400c00 | imm9(off)<<12 | rn.Num<<5 | rt.Num
}

// STRBPost encodes strb wt, [rn], #off.
func STRBPost(rt, rn *Register, off int32) uint32 {
	return 0x38000400 | imm9(off)<<12 | rn.Num<<5 | rt.Num
}

// STRBPre encodes strb wt, [rn, #off]!.
func STRBPre(rt, rn *Register, off int32) uint32 {
	return 0x38000c00 | imm9(off)<<12 | rn.Num<<5 | rt.Num
}

// DCCVAU encodes dc cvau, rt.
func DCCVAU(rt *Register) uint32 {
	return 0xd50b7b20 | rt.Num
}

// BR encodes br rn.
func BR(rn *Register) uint32 {
	return 0xd61f0000 | rn.Num<<5
}

// LDRLiteral encodes ldr xt, label, where the
// label is disp bytes from the instruction.
func LDRLiteral(rt *Register, disp int64) (uint32, error) {
	imm, err := scaled(disp, 19)
	if err != nil {
		return 0, err
	}

	return 0x58000000 | imm<<5 | rt.Num, nil
}

// B encodes b label, where the label is disp bytes
// from the instruction.
func B(disp int64) (uint32, error) {
	imm, err := scaled(disp, 26)
	if err != nil {
		return 0, err
	}

	return 0x14000000 | imm, nil
}

// BCond encodes b.cond label.
func BCond(cond uint32, disp int64) (uint32, error) {
	imm, err := scaled(disp, 19)
	if err != nil {
		return 0, err
	}

	return 0x54000000 | imm<<5 | cond&0xf, nil
}

// BRange returns the smallest and largest
// displacements reachable with B.
func BRange() (min, max int64) {
	return -(1 << 27), 1<<27 - 4
}

// scaled checks that a branch displacement is a
// multiple of 4 and fits in a signed field of the
// given width once scaled, returning the field.
func scaled(disp int64, width uint) (uint32, error) {
	if disp%4 != 0 {
		return 0, fmt.Errorf("displacement %d is not a multiple of 4", disp)
	}

	imm := disp / 4
	limit := int64(1) << (width - 1)
	if imm < -limit || imm >= limit {
		return 0, fmt.Errorf("displacement %d does not fit in %d bits", disp, width+2)
	}

	return uint32(imm) & (1<<width - 1), nil
}
