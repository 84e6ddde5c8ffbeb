// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package x86 encodes the small subset of x86 instructions
// used by relocation programs, in 32-bit and 64-bit modes.
package x86

import (
	"encoding/binary"
	"fmt"
)

// Fixed instructions.
var (
	CLD      = []byte{0xfc}
	STD      = []byte{0xfd}
	REPMOVSB = []byte{0xf3, 0xa4}
	RET      = []byte{0xc3}
)

// REX prefix fields.
const (
	REX  = 0x40
	REXW = 0x08
	REXB = 0x01
)

// MovImm encodes mov reg, imm. A 64-bit register
// takes a full 64-bit immediate (movabs), so the
// encoding is always 10 bytes in 64-bit mode and
// 5 bytes in 32-bit mode.
func MovImm(reg *Register, imm uint64) ([]byte, error) {
	rex, r := reg.Base()
	switch reg.Bits {
	case 32:
		if imm > 0xffff_ffff {
			return nil, fmt.Errorf("immediate %#x does not fit in %s", imm, reg)
		}

		return binary.LittleEndian.AppendUint32([]byte{0xb8 + r}, uint32(imm)), nil
	case 64:
		prefix := byte(REX | REXW)
		if rex {
			prefix |= REXB
		}

		return binary.LittleEndian.AppendUint64([]byte{prefix, 0xb8 + r}, imm), nil
	}

	return nil, fmt.Errorf("cannot load an immediate into %s", reg)
}

// JmpRel32 encodes jmp rel32, where rel is measured
// from the end of the 5-byte instruction.
func JmpRel32(rel int32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{0xe9}, uint32(rel))
}

// JmpRIPIndirect encodes jmp qword [rip+disp].
func JmpRIPIndirect(disp int32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{0xff, 0x25}, uint32(disp))
}

// PushImm32 encodes push imm32.
func PushImm32(imm uint32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{0x68}, imm)
}
