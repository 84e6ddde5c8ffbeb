// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package sys defines the characteristics of the machine
// architectures the relocator can generate code for.
package sys

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Arch defines the characteristics of a machine architecture.
//
// An architecture with no Arch data is not supported by
// the relocator.
type Arch struct {
	Name   string
	Family ArchFamily

	PointerSize int // The size of a memory address in bytes.
	ByteOrder   binary.ByteOrder

	// The exclusive upper bound on physical addresses
	// the relocator will use on this architecture. For
	// 32-bit architectures, this is 4 GiB.
	AddressLimit uint64

	// The required alignment of generated code, in
	// bytes.
	CodeAlignment uint64

	// The required alignment of the stack pointer at
	// the image entry point. If there is no guaranteed
	// stack alignment, this is zero.
	StackAlignment uint64

	// The name of the stack pointer register, as used
	// in entry state assignments.
	StackPointer string
}

func (a *Arch) String() string { return a.Name }

// WritePointer writes a pointer to the given machine code,
// according to the architecture's pointer size and byte
// order.
func (a *Arch) WritePointer(b []byte, ptr uint64) {
	switch a.PointerSize {
	case 4:
		a.ByteOrder.PutUint32(b, uint32(ptr))
	case 8:
		a.ByteOrder.PutUint64(b, ptr)
	default:
		panic(fmt.Sprintf("architecture %s has unexpected pointer size %d", a.Name, a.PointerSize))
	}
}

// FitsPointer reports whether the address can be held
// in a pointer on this architecture.
func (a *Arch) FitsPointer(addr uint64) bool {
	return a.PointerSize >= 8 || addr <= 1<<(8*a.PointerSize)-1
}

// StackAligned reports whether sp meets the entry
// point's stack alignment.
func (a *Arch) StackAligned(sp uint64) bool {
	return a.StackAlignment <= 1 || sp%a.StackAlignment == 0
}

var X86 = &Arch{
	Name:           "x86",
	Family:         FamilyX86,
	PointerSize:    4,
	ByteOrder:      binary.LittleEndian,
	AddressLimit:   1 << 32,
	CodeAlignment:  1,
	StackAlignment: 4,
	StackPointer:   "esp",
}

var X86_64 = &Arch{
	Name:           "x86-64",
	Family:         FamilyX86,
	PointerSize:    8,
	ByteOrder:      binary.LittleEndian,
	AddressLimit:   1 << 52,
	CodeAlignment:  1,
	StackAlignment: 16,
	StackPointer:   "rsp",
}

var ARM64 = &Arch{
	Name:           "arm64",
	Family:         FamilyA64,
	PointerSize:    8,
	ByteOrder:      binary.LittleEndian,
	AddressLimit:   1 << 48,
	CodeAlignment:  4,
	StackAlignment: 16,
	StackPointer:   "sp",
}

var RISCV64 = &Arch{
	Name:           "riscv64",
	Family:         FamilyRISCV,
	PointerSize:    8,
	ByteOrder:      binary.LittleEndian,
	AddressLimit:   1 << 56,
	CodeAlignment:  4,
	StackAlignment: 16,
	StackPointer:   "sp",
}

var PPC = &Arch{
	Name:           "ppc",
	Family:         FamilyPowerPC,
	PointerSize:    4,
	ByteOrder:      binary.BigEndian,
	AddressLimit:   1 << 32,
	CodeAlignment:  4,
	StackAlignment: 16,
	StackPointer:   "r1",
}

// All is a list of all supported architectures.
var All = [...]*Arch{
	X86,
	X86_64,
	ARM64,
	RISCV64,
	PPC,
}

// ArchByName maps architecture names to their
// metadata.
var ArchByName = map[string]*Arch{
	X86.Name:     X86,
	X86_64.Name:  X86_64,
	ARM64.Name:   ARM64,
	RISCV64.Name: RISCV64,
	PPC.Name:     PPC,
}

// Lookup returns the architecture with the given name,
// accepting the common aliases for each.
func Lookup(name string) (*Arch, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "i386", "386", "ia32":
		name = X86.Name
	case "amd64", "x86_64", "x64":
		name = X86_64.Name
	case "aarch64", "a64":
		name = ARM64.Name
	case "rv64":
		name = RISCV64.Name
	case "powerpc", "ppc32":
		name = PPC.Name
	}

	arch, ok := ArchByName[name]
	if !ok {
		names := make([]string, 0, len(ArchByName))
		for name := range ArchByName {
			names = append(names, name)
		}

		sort.Strings(names)

		return nil, fmt.Errorf("unsupported architecture %q: want one of %s", name, strings.Join(names, ", "))
	}

	return arch, nil
}

// ArchFamily represents a group of related machine
// architectures that share an instruction encoding.
// For example, x86 and x86-64 are in the same group.
type ArchFamily uint8

const (
	FamilyNone ArchFamily = iota
	FamilyX86
	FamilyA64
	FamilyRISCV
	FamilyPowerPC
)

func (f ArchFamily) String() string {
	switch f {
	case FamilyX86:
		return "x86"
	case FamilyA64:
		return "a64"
	case FamilyRISCV:
		return "riscv"
	case FamilyPowerPC:
		return "powerpc"
	}

	return fmt.Sprintf("ArchFamily(%d)", uint8(f))
}
