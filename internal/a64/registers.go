// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package a64

import (
	"fmt"
	"strings"
)

// Register contains information about
// an A64 general-purpose register and
// its 5-bit encoding.
type Register struct {
	Name    string
	Type    RegisterType
	Num     uint32
	Aliases []string
}

func (r *Register) String() string    { return r.Name }
func (r *Register) UpperName() string { return strings.ToUpper(r.Name) }

var (
	// 64-bit general-purpose registers.
	X0  = &Register{Name: "x0", Type: TypeGeneralPurpose, Num: 0}
	X1  = &Register{Name: "x1", Type: TypeGeneralPurpose, Num: 1}
	X2  = &Register{Name: "x2", Type: TypeGeneralPurpose, Num: 2}
	X3  = &Register{Name: "x3", Type: TypeGeneralPurpose, Num: 3}
	X4  = &Register{Name: "x4", Type: TypeGeneralPurpose, Num: 4}
	X5  = &Register{Name: "x5", Type: TypeGeneralPurpose, Num: 5}
	X6  = &Register{Name: "x6", Type: TypeGeneralPurpose, Num: 6}
	X7  = &Register{Name: "x7", Type: TypeGeneralPurpose, Num: 7}
	X8  = &Register{Name: "x8", Type: TypeGeneralPurpose, Num: 8}
	X9  = &Register{Name: "x9", Type: TypeGeneralPurpose, Num: 9}
	X10 = &Register{Name: "x10", Type: TypeGeneralPurpose, Num: 10}
	X11 = &Register{Name: "x11", Type: TypeGeneralPurpose, Num: 11}
	X12 = &Register{Name: "x12", Type: TypeGeneralPurpose, Num: 12}
	X13 = &Register{Name: "x13", Type: TypeGeneralPurpose, Num: 13}
	X14 = &Register{Name: "x14", Type: TypeGeneralPurpose, Num: 14}
	X15 = &Register{Name: "x15", Type: TypeGeneralPurpose, Num: 15}
	X16 = &Register{Name: "x16", Type: TypeGeneralPurpose, Num: 16, Aliases: []string{"ip0"}}
	X17 = &Register{Name: "x17", Type: TypeGeneralPurpose, Num: 17, Aliases: []string{"ip1"}}
	X18 = &Register{Name: "x18", Type: TypeGeneralPurpose, Num: 18}
	X19 = &Register{Name: "x19", Type: TypeGeneralPurpose, Num: 19}
	X20 = &Register{Name: "x20", Type: TypeGeneralPurpose, Num: 20}
	X21 = &Register{Name: "x21", Type: TypeGeneralPurpose, Num: 21}
	X22 = &Register{Name: "x22", Type: TypeGeneralPurpose, Num: 22}
	X23 = &Register{Name: "x23", Type: TypeGeneralPurpose, Num: 23}
	X24 = &Register{Name: "x24", Type: TypeGeneralPurpose, Num: 24}
	X25 = &Register{Name: "x25", Type: TypeGeneralPurpose, Num: 25}
	X26 = &Register{Name: "x26", Type: TypeGeneralPurpose, Num: 26}
	X27 = &Register{Name: "x27", Type: TypeGeneralPurpose, Num: 27}
	X28 = &Register{Name: "x28", Type: TypeGeneralPurpose, Num: 28}
	X29 = &Register{Name: "x29", Type: TypeGeneralPurpose, Num: 29, Aliases: []string{"fp"}}
	X30 = &Register{Name: "x30", Type: TypeGeneralPurpose, Num: 30, Aliases: []string{"lr"}}
	XZR = &Register{Name: "xzr", Type: TypeZero, Num: 31}

	// Stack pointer. This shares its encoding
	// with XZR; the instruction determines which
	// is meant.
	SP = &Register{Name: "sp", Type: TypeStackPointer, Num: 31}
)

// Registers contains all registers.
var Registers = []*Register{
	X0, X1, X2, X3, X4, X5, X6, X7,
	X8, X9, X10, X11, X12, X13, X14, X15,
	X16, X17, X18, X19, X20, X21, X22, X23,
	X24, X25, X26, X27, X28, X29, X30, XZR,
	SP,
}

// RegistersByName maps register names and
// aliases (lower case) to registers.
var RegistersByName = make(map[string]*Register)

func init() {
	for _, reg := range Registers {
		RegistersByName[reg.Name] = reg
		for _, alias := range reg.Aliases {
			RegistersByName[alias] = reg
		}
	}
}

// RegisterType categorises an A64
// register.
type RegisterType uint8

const (
	_ RegisterType = iota
	TypeGeneralPurpose
	TypeStackPointer
	TypeZero
)

func (t RegisterType) String() string {
	switch t {
	case TypeGeneralPurpose:
		return "general purpose register"
	case TypeStackPointer:
		return "stack pointer register"
	case TypeZero:
		return "zero register"
	default:
		return fmt.Sprintf("RegisterType(%d)", t)
	}
}
