// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
	"strings"
)

// Register contains information about
// an x86 general-purpose register,
// including its size in bits and its
// 4-bit encoding.
type Register struct {
	Name    string
	Bits    int
	Reg     byte  // The 4-bit encoding of the register.
	MinMode uint8 // Any CPU mode requirements as a number of bits.
}

func (r *Register) String() string    { return r.Name }
func (r *Register) UpperName() string { return strings.ToUpper(r.Name) }

// Base returns the encoding form to
// add the register to an opcode byte.
//
// `rex` indicates whether the register
// requires the REX.B field.
//
// `reg` is the 3-bit identifier for
// the register.
func (r *Register) Base() (rex bool, reg byte) {
	return r.Reg > 7, r.Reg & 7
}

var (
	// 32-bit general-purpose registers.
	EAX = &Register{Name: "eax", Bits: 32, Reg: 0}
	ECX = &Register{Name: "ecx", Bits: 32, Reg: 1}
	EDX = &Register{Name: "edx", Bits: 32, Reg: 2}
	EBX = &Register{Name: "ebx", Bits: 32, Reg: 3}
	ESP = &Register{Name: "esp", Bits: 32, Reg: 4}
	EBP = &Register{Name: "ebp", Bits: 32, Reg: 5}
	ESI = &Register{Name: "esi", Bits: 32, Reg: 6}
	EDI = &Register{Name: "edi", Bits: 32, Reg: 7}

	// 64-bit general-purpose registers.
	RAX = &Register{Name: "rax", Bits: 64, Reg: 0, MinMode: 64}
	RCX = &Register{Name: "rcx", Bits: 64, Reg: 1, MinMode: 64}
	RDX = &Register{Name: "rdx", Bits: 64, Reg: 2, MinMode: 64}
	RBX = &Register{Name: "rbx", Bits: 64, Reg: 3, MinMode: 64}
	RSP = &Register{Name: "rsp", Bits: 64, Reg: 4, MinMode: 64}
	RBP = &Register{Name: "rbp", Bits: 64, Reg: 5, MinMode: 64}
	RSI = &Register{Name: "rsi", Bits: 64, Reg: 6, MinMode: 64}
	RDI = &Register{Name: "rdi", Bits: 64, Reg: 7, MinMode: 64}
	R8  = &Register{Name: "r8", Bits: 64, Reg: 8, MinMode: 64}
	R9  = &Register{Name: "r9", Bits: 64, Reg: 9, MinMode: 64}
	R10 = &Register{Name: "r10", Bits: 64, Reg: 10, MinMode: 64}
	R11 = &Register{Name: "r11", Bits: 64, Reg: 11, MinMode: 64}
	R12 = &Register{Name: "r12", Bits: 64, Reg: 12, MinMode: 64}
	R13 = &Register{Name: "r13", Bits: 64, Reg: 13, MinMode: 64}
	R14 = &Register{Name: "r14", Bits: 64, Reg: 14, MinMode: 64}
	R15 = &Register{Name: "r15", Bits: 64, Reg: 15, MinMode: 64}
)

// Registers contains all registers.
var Registers = []*Register{
	EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI,
	RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI,
	R8, R9, R10, R11, R12, R13, R14, R15,
}

var RegistersByName = make(map[string]*Register)

func init() {
	for _, reg := range Registers {
		RegistersByName[reg.Name] = reg
	}
}

// Lookup returns the named register, checking
// that it exists in the given CPU mode.
func Lookup(name string, mode uint8) (*Register, error) {
	reg, ok := RegistersByName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown register %q", name)
	}

	if reg.Bits != int(mode) {
		return nil, fmt.Errorf("register %s cannot be loaded in %d-bit mode", reg, mode)
	}

	return reg, nil
}
