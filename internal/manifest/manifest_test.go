// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package manifest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"firefly-os.dev/relocator/boot"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/physmem"
	"firefly-os.dev/relocator/relocator"
	"firefly-os.dev/relocator/sys"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		Name   string
		Arch   *sys.Arch
		Entry  uint64
		Chunks []string
		Base   uint64
		Size   uint64
	}{
		{
			Name:   "testdata/multiboot.toml",
			Arch:   sys.X86,
			Entry:  0x100000,
			Chunks: []string{"kernel", "staging", "info"},
			Base:   0,
			Size:   0x2000000,
		},
		{
			Name:   "testdata/arm64.yaml",
			Arch:   sys.ARM64,
			Entry:  0x40080000,
			Chunks: []string{"image", "staged", "dtb"},
			Base:   0x40000000,
			Size:   0x8000000,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			m, err := Load(test.Name)
			if err != nil {
				t.Fatalf("Load(): %v", err)
			}

			arch, err := m.Architecture()
			if err != nil {
				t.Fatal(err)
			}

			if arch != test.Arch {
				t.Errorf("Architecture(): got %s, want %s", arch, test.Arch)
			}

			if diff := cmp.Diff(test.Chunks, m.ChunkNames()); diff != "" {
				t.Errorf("ChunkNames(): (-want, +got)\n%s", diff)
			}

			base, size := m.MemoryWindow(arch)
			if base != test.Base || size != test.Size {
				t.Errorf("MemoryWindow(): got %#x+%#x, want %#x+%#x", base, size, test.Base, test.Size)
			}

			if got := m.State(arch).Entry(); got != test.Entry {
				t.Errorf("State().Entry(): got %#x, want %#x", got, test.Entry)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		Name string
		Data string
	}{
		{
			Name: "unknown field",
			Data: "arch = \"x86\"\nentry_point = 1\n",
		},
		{
			Name: "unnamed chunk",
			Data: "[[chunks]]\nsize = 16\n",
		},
		{
			Name: "duplicate chunk",
			Data: "[[chunks]]\nname = \"a\"\nsize = 16\n[[chunks]]\nname = \"a\"\nsize = 16\n",
		},
		{
			Name: "empty chunk",
			Data: "[[chunks]]\nname = \"a\"\n",
		},
		{
			Name: "bad preference",
			Data: "[[chunks]]\nname = \"a\"\nsize = 16\nmax = 32\nprefer = \"middle\"\n",
		},
		{
			Name: "unknown segment chunk",
			Data: "[[chunks]]\nname = \"a\"\nsize = 16\n[[segments]]\nfrom = \"a\"\nto = \"b\"\n",
		},
		{
			Name: "negative trampolines",
			Data: "trampolines = -1\n",
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			_, err := Decode([]byte(test.Data), memmap.TOML)
			if err == nil {
				t.Fatal("Decode(): unexpected success")
			}
		})
	}
}

func TestApply(t *testing.T) {
	m, err := Load("testdata/multiboot.toml")
	if err != nil {
		t.Fatal(err)
	}

	arch, err := m.Architecture()
	if err != nil {
		t.Fatal(err)
	}

	base, size := m.MemoryWindow(arch)
	mem := physmem.NewWindow(base, size)
	cfg := m.Config(arch)
	cfg.Memory = mem
	cfg.Transfer = &boot.Simulator{Memory: mem}
	p, err := relocator.NewPlatform(cfg)
	if err != nil {
		t.Fatal(err)
	}

	h := p.New()
	chunks, err := m.Apply(h)
	if err != nil {
		t.Fatalf("Apply(): %v", err)
	}

	kernel, staging, info := chunks["kernel"], chunks["staging"], chunks["info"]
	if kernel.Target != 0x100000 {
		t.Errorf("kernel chunk: got %v", kernel)
	}

	// Preferring high memory puts the staging
	// chunk just below the heap.
	if staging.Target != 0x17fe000 {
		t.Errorf("staging chunk: got %v", staging)
	}

	if info.Target != 0x10000 {
		t.Errorf("info chunk: got %v", info)
	}

	want := []mover.Segment{{Src: 0x17fe000, Dst: 0x100000, Size: 0x2000}}
	if diff := cmp.Diff(want, h.Segments()); diff != "" {
		t.Fatalf("Segments(): (-want, +got)\n%s", diff)
	}

	trapped := boot.Catch(func() {
		err = h.Boot(m.State(arch))
	})
	if err != nil {
		t.Fatalf("Boot(): %v", err)
	}

	if trapped == nil {
		t.Fatal("Boot(): control was not transferred")
	}

	got, err := kernel.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, bytes.Repeat([]byte{0xcc}, 0x2000)) {
		t.Fatal("kernel chunk does not hold the staged image")
	}

	if trapped.Regs["eax"] != 0x2badb002 || trapped.Regs["ebx"] != 0x10000 {
		t.Fatalf("registers: got %v", trapped.Regs)
	}
}

func TestApplyBadSegment(t *testing.T) {
	data := `
arch = "x86"

[[memory.regions]]
type = "available"
start = 0x0
size = 0x100000

[[chunks]]
name = "a"
address = 0x1000
size = 0x100

[[chunks]]
name = "b"
address = 0x2000
size = 0x100

[[segments]]
from = "a"
to = "b"
from_offset = 0x80
size = 0x100
`

	m, err := Decode([]byte(data), memmap.TOML)
	if err != nil {
		t.Fatal(err)
	}

	cfg := m.Config(sys.X86)
	cfg.Memory = physmem.NewWindow(0, 0x100000)
	p, err := relocator.NewPlatform(cfg)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Apply(p.New())
	if !errors.Is(err, relocator.ErrInvalid) {
		t.Fatalf("Apply(): got %v, want %v", err, relocator.ErrInvalid)
	}
}
