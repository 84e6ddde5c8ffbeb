// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMovImm(t *testing.T) {
	tests := []struct {
		Reg  *Register
		Imm  uint64
		Want []byte
		Err  bool
	}{
		{Reg: ESI, Imm: 0x100000, Want: []byte{0xbe, 0x00, 0x00, 0x10, 0x00}},
		{Reg: ECX, Imm: 0xffff_ffff, Want: []byte{0xb9, 0xff, 0xff, 0xff, 0xff}},
		{Reg: EAX, Imm: 1 << 32, Err: true},
		{Reg: RDI, Imm: 0x1122334455667788, Want: []byte{0x48, 0xbf, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}},
		{Reg: R9, Imm: 1, Want: []byte{0x49, 0xb9, 0x01, 0, 0, 0, 0, 0, 0, 0}},
	}

	for _, test := range tests {
		got, err := MovImm(test.Reg, test.Imm)
		if test.Err {
			if err == nil {
				t.Errorf("MovImm(%s, %#x): unexpected success", test.Reg, test.Imm)
			}

			continue
		}

		if err != nil {
			t.Errorf("MovImm(%s, %#x): %v", test.Reg, test.Imm, err)
			continue
		}

		if diff := cmp.Diff(test.Want, got); diff != "" {
			t.Errorf("MovImm(%s, %#x): (-want, +got)\n%s", test.Reg, test.Imm, diff)
		}
	}
}

func TestLookup(t *testing.T) {
	if reg, err := Lookup("RSP", 64); err != nil || reg != RSP {
		t.Errorf("Lookup(RSP, 64): got %v, %v", reg, err)
	}

	if _, err := Lookup("rsp", 32); err == nil {
		t.Errorf("Lookup(rsp, 32): unexpected success")
	}

	if _, err := Lookup("xmm0", 64); err == nil {
		t.Errorf("Lookup(xmm0, 64): unexpected success")
	}
}

func TestJumps(t *testing.T) {
	if diff := cmp.Diff([]byte{0xe9, 0xfb, 0xff, 0xff, 0xff}, JmpRel32(-5)); diff != "" {
		t.Errorf("JmpRel32(-5): (-want, +got)\n%s", diff)
	}

	if diff := cmp.Diff([]byte{0xff, 0x25, 0, 0, 0, 0}, JmpRIPIndirect(0)); diff != "" {
		t.Errorf("JmpRIPIndirect(0): (-want, +got)\n%s", diff)
	}
}
