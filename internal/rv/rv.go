// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package rv encodes the small subset of RV64I instructions
// used by relocation programs.
package rv

import (
	"fmt"
	"strings"
)

// Register is an integer register, with its ABI
// name and its 5-bit encoding.
type Register struct {
	Name string
	Num  uint32
}

func (r *Register) String() string { return r.Name }

var (
	Zero = &Register{Name: "zero", Num: 0}
	RA   = &Register{Name: "ra", Num: 1}
	SP   = &Register{Name: "sp", Num: 2}
	GP   = &Register{Name: "gp", Num: 3}
	TP   = &Register{Name: "tp", Num: 4}
	T0   = &Register{Name: "t0", Num: 5}
	T1   = &Register{Name: "t1", Num: 6}
	T2   = &Register{Name: "t2", Num: 7}
	S0   = &Register{Name: "s0", Num: 8}
	S1   = &Register{Name: "s1", Num: 9}
	A0   = &Register{Name: "a0", Num: 10}
	A1   = &Register{Name: "a1", Num: 11}
	A2   = &Register{Name: "a2", Num: 12}
	A3   = &Register{Name: "a3", Num: 13}
	A4   = &Register{Name: "a4", Num: 14}
	A5   = &Register{Name: "a5", Num: 15}
	A6   = &Register{Name: "a6", Num: 16}
	A7   = &Register{Name: "a7", Num: 17}
	S2   = &Register{Name: "s2", Num: 18}
	S3   = &Register{Name: "s3", Num: 19}
	S4   = &Register{Name: "s4", Num: 20}
	S5   = &Register{Name: "s5", Num: 21}
	S6   = &Register{Name: "s6", Num: 22}
	S7   = &Register{Name: "s7", Num: 23}
	S8   = &Register{Name: "s8", Num: 24}
	S9   = &Register{Name: "s9", Num: 25}
	S10  = &Register{Name: "s10", Num: 26}
	S11  = &Register{Name: "s11", Num: 27}
	T3   = &Register{Name: "t3", Num: 28}
	T4   = &Register{Name: "t4", Num: 29}
	T5   = &Register{Name: "t5", Num: 30}
	T6   = &Register{Name: "t6", Num: 31}
)

// Registers lists the integer registers in
// encoding order.
var Registers = []*Register{
	Zero, RA, SP, GP, TP, T0, T1, T2,
	S0, S1, A0, A1, A2, A3, A4, A5,
	A6, A7, S2, S3, S4, S5, S6, S7,
	S8, S9, S10, S11, T3, T4, T5, T6,
}

// Lookup returns the register with the given ABI
// name or numeric name (such as "x10").
func Lookup(name string) (*Register, error) {
	name = strings.ToLower(name)
	if name == "fp" {
		return S0, nil
	}

	for _, reg := range Registers {
		if reg.Name == name || fmt.Sprintf("x%d", reg.Num) == name {
			return reg, nil
		}
	}

	return nil, fmt.Errorf("unknown register %q", name)
}

// Opcodes.
const (
	opLoad   = 0x03
	opImm    = 0x13
	opAUIPC  = 0x17
	opImm32  = 0x1b
	opStore  = 0x23
	opLUI    = 0x37
	opBranch = 0x63
	opJALR   = 0x67
	opJAL    = 0x6f
)

// Fixed instructions.
const (
	FENCEI uint32 = 0x0000100f // fence.i
	NOP    uint32 = 0x00000013 // addi zero, zero, 0
)

func iType(op, funct3 uint32, rd, rs1 *Register, imm int32) uint32 {
	return uint32(imm)&0xfff<<20 | rs1.Num<<15 | funct3<<12 | rd.Num<<7 | op
}

// LUI encodes lui rd, imm20.
func LUI(rd *Register, imm20 uint32) uint32 {
	return (imm20&0xfffff)<<12 | rd.Num<<7 | opLUI
}

// AUIPC encodes auipc rd, imm20.
func AUIPC(rd *Register, imm20 uint32) uint32 {
	return (imm20&0xfffff)<<12 | rd.Num<<7 | opAUIPC
}

// ADDI encodes addi rd, rs1, imm.
func ADDI(rd, rs1 *Register, imm int32) uint32 { return iType(opImm, 0, rd, rs1, imm) }

// ADDIW encodes addiw rd, rs1, imm.
func ADDIW(rd, rs1 *Register, imm int32) uint32 { return iType(opImm32, 0, rd, rs1, imm) }

// SLLI encodes slli rd, rs1, shamt.
func SLLI(rd, rs1 *Register, shamt uint32) uint32 {
	return iType(opImm, 1, rd, rs1, int32(shamt&0x3f))
}

// LBU encodes lbu rd, imm(rs1).
func LBU(rd, rs1 *Register, imm int32) uint32 { return iType(opLoad, 4, rd, rs1, imm) }

// LD encodes ld rd, imm(rs1).
func LD(rd, rs1 *Register, imm int32) uint32 { return iType(opLoad, 3, rd, rs1, imm) }

// JALR encodes jalr rd, imm(rs1).
func JALR(rd, rs1 *Register, imm int32) uint32 { return iType(opJALR, 0, rd, rs1, imm) }

// SB encodes sb rs2, imm(rs1).
func SB(rs2, rs1 *Register, imm int32) uint32 {
	u := uint32(imm) & 0xfff
	return (u>>5)<<25 | rs2.Num<<20 | rs1.Num<<15 | 0<<12 | (u&0x1f)<<7 | opStore
}

// BNE encodes bne rs1, rs2, label, where the label
// is disp bytes from the instruction.
func BNE(rs1, rs2 *Register, disp int64) (uint32, error) {
	if disp%2 != 0 || disp < -(1<<12) || disp >= 1<<12 {
		return 0, fmt.Errorf("branch displacement %d out of range", disp)
	}

	u := uint32(disp) & 0x1fff
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2.Num<<20 | rs1.Num<<15 | 1<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opBranch, nil
}

// JALRange returns the smallest and largest
// displacements reachable with JAL.
func JALRange() (min, max int64) {
	return -(1 << 20), 1<<20 - 2
}

// JAL encodes jal rd, label, where the label is
// disp bytes from the instruction.
func JAL(rd *Register, disp int64) (uint32, error) {
	min, max := JALRange()
	if disp%2 != 0 || disp < min || disp > max {
		return 0, fmt.Errorf("jump displacement %d out of range", disp)
	}

	u := uint32(disp) & 0x1fffff
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd.Num<<7 | opJAL, nil
}

// LoadImmediate returns the fixed eight-instruction
// sequence that loads any 64-bit value into rd.
//
// The upper 32 bits are built with lui and addiw,
// then the lower 32 bits are shifted in as unsigned
// chunks of 11, 11, and 10 bits, so no addi ever
// sees a negative immediate.
func LoadImmediate(rd *Register, value uint64) []uint32 {
	upper := uint32(value >> 32)
	lo12 := int32(upper<<20) >> 20
	hi20 := (upper - uint32(lo12)) >> 12
	lower := uint32(value)

	return []uint32{
		LUI(rd, hi20),
		ADDIW(rd, rd, lo12),
		SLLI(rd, rd, 11),
		ADDI(rd, rd, int32(lower>>21&0x7ff)),
		SLLI(rd, rd, 11),
		ADDI(rd, rd, int32(lower>>10&0x7ff)),
		SLLI(rd, rd, 10),
		ADDI(rd, rd, int32(lower&0x3ff)),
	}
}
