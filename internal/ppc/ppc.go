// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package ppc encodes the small subset of 32-bit PowerPC
// instructions used by relocation programs.
package ppc

import (
	"fmt"
	"strconv"
	"strings"
)

// Register is a general-purpose register.
type Register uint32

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
)

func (r Register) String() string { return "r" + strconv.Itoa(int(r)) }

// Lookup parses a register name, such as "r3".
func Lookup(name string) (Register, error) {
	num, ok := strings.CutPrefix(strings.ToLower(name), "r")
	if ok {
		n, err := strconv.Atoi(num)
		if err == nil && n >= 0 && n < 32 {
			return Register(n), nil
		}
	}

	return 0, fmt.Errorf("unknown register %q", name)
}

// Fixed instructions.
const (
	SYNC  uint32 = 0x7c0004ac // sync
	ISYNC uint32 = 0x4c00012c // isync
	BCTR  uint32 = 0x4e800420 // bctr
	NOP   uint32 = 0x60000000 // ori r0, r0, 0
)

// LIS encodes lis rd, imm.
func LIS(rd Register, imm uint16) uint32 {
	return 15<<26 | uint32(rd)<<21 | uint32(imm)
}

// ORI encodes ori ra, rs, imm.
func ORI(ra, rs Register, imm uint16) uint32 {
	return 24<<26 | uint32(rs)<<21 | uint32(ra)<<16 | uint32(imm)
}

// ADDI encodes addi rd, ra, imm.
func ADDI(rd, ra Register, imm int16) uint32 {
	return 14<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(uint16(imm))
}

// MTCTR encodes mtctr rs.
func MTCTR(rs Register) uint32 {
	return 31<<26 | uint32(rs)<<21 | 9<<16 | 467<<1
}

// LBZU encodes lbzu rd, d(ra).
func LBZU(rd, ra Register, d int16) uint32 {
	return 35<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

// STBU encodes stbu rs, d(ra).
func STBU(rs, ra Register, d int16) uint32 {
	return 39<<26 | uint32(rs)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

// DCBST encodes dcbst 0, rb.
func DCBST(rb Register) uint32 {
	return 31<<26 | uint32(rb)<<11 | 54<<1
}

// ICBI encodes icbi 0, rb.
func ICBI(rb Register) uint32 {
	return 31<<26 | uint32(rb)<<11 | 982<<1
}

// BDNZ encodes bdnz label, where the label is disp
// bytes from the instruction.
func BDNZ(disp int64) (uint32, error) {
	if disp%4 != 0 || disp < -(1<<15) || disp >= 1<<15 {
		return 0, fmt.Errorf("branch displacement %d out of range", disp)
	}

	return 16<<26 | 16<<21 | uint32(disp)&0xfffc, nil
}

// BRange returns the smallest and largest
// displacements reachable with B.
func BRange() (min, max int64) {
	return -(1 << 25), 1<<25 - 4
}

// B encodes b label, where the label is disp bytes
// from the instruction.
func B(disp int64) (uint32, error) {
	min, max := BRange()
	if disp%4 != 0 || disp < min || disp > max {
		return 0, fmt.Errorf("branch displacement %d out of range", disp)
	}

	return 18<<26 | uint32(disp)&0x03fffffc, nil
}

// LoadImmediate returns the fixed two-instruction
// sequence that loads a 32-bit value into rd.
func LoadImmediate(rd Register, value uint32) []uint32 {
	return []uint32{
		LIS(rd, uint16(value>>16)),
		ORI(rd, rd, uint16(value)),
	}
}
