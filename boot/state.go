// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package boot describes the machine state at an image's
// entry point and hands control to a relocation program.
package boot

import (
	"firefly-os.dev/relocator/codegen"
	"firefly-os.dev/relocator/sys"
)

// Assignment is a value loaded into a register before
// control reaches the entry point.
type Assignment = codegen.Assignment

// State is the register state an image expects at its
// entry point.
type State interface {
	// Arch returns the architecture the state is for.
	Arch() *sys.Arch

	// Entry returns the address of the first
	// instruction to execute.
	Entry() uint64

	// Assignments returns the register values to load,
	// in the order they should be loaded.
	Assignments() []Assignment
}

// I386State is the entry state for 32-bit x86, such as
// the Multiboot protocol expects.
type I386State struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP                uint32
}

var _ State = (*I386State)(nil)

func (s *I386State) Arch() *sys.Arch { return sys.X86 }
func (s *I386State) Entry() uint64   { return uint64(s.EIP) }

func (s *I386State) Assignments() []Assignment {
	return []Assignment{
		{Reg: "eax", Value: uint64(s.EAX)},
		{Reg: "ebx", Value: uint64(s.EBX)},
		{Reg: "ecx", Value: uint64(s.ECX)},
		{Reg: "edx", Value: uint64(s.EDX)},
		{Reg: "esi", Value: uint64(s.ESI)},
		{Reg: "edi", Value: uint64(s.EDI)},
		{Reg: "ebp", Value: uint64(s.EBP)},
		{Reg: "esp", Value: uint64(s.ESP)},
	}
}

// AMD64State is the entry state for x86-64 in long
// mode.
type AMD64State struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9             uint64
	RIP                uint64
}

var _ State = (*AMD64State)(nil)

func (s *AMD64State) Arch() *sys.Arch { return sys.X86_64 }
func (s *AMD64State) Entry() uint64   { return s.RIP }

func (s *AMD64State) Assignments() []Assignment {
	return []Assignment{
		{Reg: "rax", Value: s.RAX},
		{Reg: "rbx", Value: s.RBX},
		{Reg: "rcx", Value: s.RCX},
		{Reg: "rdx", Value: s.RDX},
		{Reg: "rsi", Value: s.RSI},
		{Reg: "rdi", Value: s.RDI},
		{Reg: "rbp", Value: s.RBP},
		{Reg: "rsp", Value: s.RSP},
		{Reg: "r8", Value: s.R8},
		{Reg: "r9", Value: s.R9},
	}
}

// ARM64State is the entry state for arm64, such as the
// Linux boot protocol expects, with the device tree
// address in X0.
type ARM64State struct {
	X0, X1, X2, X3 uint64
	SP             uint64
	PC             uint64
}

var _ State = (*ARM64State)(nil)

func (s *ARM64State) Arch() *sys.Arch { return sys.ARM64 }
func (s *ARM64State) Entry() uint64   { return s.PC }

func (s *ARM64State) Assignments() []Assignment {
	return []Assignment{
		{Reg: "x0", Value: s.X0},
		{Reg: "x1", Value: s.X1},
		{Reg: "x2", Value: s.X2},
		{Reg: "x3", Value: s.X3},
		{Reg: "sp", Value: s.SP},
	}
}

// RISCV64State is the entry state for riscv64, with
// the hart ID in A0 and the device tree address in A1.
type RISCV64State struct {
	A0, A1 uint64
	SP     uint64
	PC     uint64
}

var _ State = (*RISCV64State)(nil)

func (s *RISCV64State) Arch() *sys.Arch { return sys.RISCV64 }
func (s *RISCV64State) Entry() uint64   { return s.PC }

func (s *RISCV64State) Assignments() []Assignment {
	return []Assignment{
		{Reg: "a0", Value: s.A0},
		{Reg: "a1", Value: s.A1},
		{Reg: "sp", Value: s.SP},
	}
}

// PowerPCState is the entry state for 32-bit PowerPC.
// R1 is the stack pointer and R3 to R7 carry the boot
// arguments.
type PowerPCState struct {
	R1                 uint32
	R3, R4, R5, R6, R7 uint32
	PC                 uint32
}

var _ State = (*PowerPCState)(nil)

func (s *PowerPCState) Arch() *sys.Arch { return sys.PPC }
func (s *PowerPCState) Entry() uint64   { return uint64(s.PC) }

func (s *PowerPCState) Assignments() []Assignment {
	return []Assignment{
		{Reg: "r1", Value: uint64(s.R1)},
		{Reg: "r3", Value: uint64(s.R3)},
		{Reg: "r4", Value: uint64(s.R4)},
		{Reg: "r5", Value: uint64(s.R5)},
		{Reg: "r6", Value: uint64(s.R6)},
		{Reg: "r7", Value: uint64(s.R7)},
	}
}

// NewState returns an empty state for the given
// architecture.
func NewState(arch *sys.Arch) (State, bool) {
	switch arch {
	case sys.X86:
		return new(I386State), true
	case sys.X86_64:
		return new(AMD64State), true
	case sys.ARM64:
		return new(ARM64State), true
	case sys.RISCV64:
		return new(RISCV64State), true
	case sys.PPC:
		return new(PowerPCState), true
	}

	return nil, false
}

// Registers is an entry state given as a list of
// register assignments, as read from a manifest.
// The registers are checked when the relocation
// program is generated.
type Registers struct {
	Architecture *sys.Arch
	PC           uint64
	Regs         []Assignment
}

var _ State = (*Registers)(nil)

func (s *Registers) Arch() *sys.Arch           { return s.Architecture }
func (s *Registers) Entry() uint64             { return s.PC }
func (s *Registers) Assignments() []Assignment { return s.Regs }
