// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package relocator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"firefly-os.dev/relocator/boot"
	"firefly-os.dev/relocator/codegen"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/physmem"
	"firefly-os.dev/relocator/region"
	"firefly-os.dev/relocator/sys"
)

var testMap = []memmap.Descriptor{
	{Type: memmap.Available, Start: 0x0, Size: 0x9f000},
	{Type: memmap.Reserved, Start: 0x9f000, Size: 0x61000},
	{Type: memmap.Available, Start: 0x100000, Size: 0xf00000},
}

var testHeap = []memmap.HeapBlock{
	{Name: "loader", Start: 0xc00000, Size: 0x100000},
}

func newPlatform(t *testing.T, arch *sys.Arch, fw memmap.Firmware, mem physmem.Memory, transfer boot.Transfer) *Platform {
	t.Helper()
	p, err := NewPlatform(Config{
		Arch:     arch,
		Firmware: fw,
		Memory:   mem,
		Heap:     testHeap,
		Transfer: transfer,
	})
	if err != nil {
		t.Fatalf("NewPlatform(%s): %v", arch, err)
	}

	return p
}

func fill(t *testing.T, c *region.Chunk, seed byte) []byte {
	t.Helper()
	b, err := c.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	for i := range b {
		b[i] = seed + byte(i*7)
	}

	return bytes.Clone(b)
}

func contents(t *testing.T, c *region.Chunk) []byte {
	t.Helper()
	b, err := c.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	return b
}

func TestBoot(t *testing.T) {
	tests := []struct {
		Name  string
		State boot.State
	}{
		{
			Name:  "x86",
			State: &boot.I386State{EAX: 0x2badb002, EBX: 0x9000, EIP: 0x100000},
		},
		{
			Name:  "x86-64",
			State: &boot.AMD64State{RSI: 0x7000, RSP: 0x8ff0, RIP: 0x100000},
		},
		{
			Name:  "arm64",
			State: &boot.ARM64State{X0: 0x40000, SP: 0x80000, PC: 0x100000},
		},
		{
			Name:  "riscv64",
			State: &boot.RISCV64State{A0: 0, A1: 0x80000, SP: 0x90000, PC: 0x100000},
		},
		{
			Name:  "ppc",
			State: &boot.PowerPCState{R1: 0x90000, R3: 0x40000, PC: 0x100000},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			mem := physmem.NewWindow(0, 0x1000000)
			sim := &boot.Simulator{Memory: mem}
			var logged bytes.Buffer
			p, err := NewPlatform(Config{
				Arch:     test.State.Arch(),
				Firmware: &memmap.Static{Map: testMap},
				Memory:   mem,
				Heap:     testHeap,
				Transfer: sim,
				Log:      log.New(&logged, "", 0),
			})
			if err != nil {
				t.Fatal(err)
			}

			h := p.New()
			kernel, err := h.AllocChunkAddr(0x100000, 4096)
			if err != nil {
				t.Fatalf("AllocChunkAddr(): %v", err)
			}

			pattern := fill(t, kernel, 0x11)

			data, err := h.AllocChunkAlign(0x200000, 0x300000, 512, 16, region.PreferNone)
			if err != nil {
				t.Fatalf("AllocChunkAlign(): %v", err)
			}

			if data.Target < 0x200000 || data.Range().End > 0x300000 || data.Target%16 != 0 {
				t.Fatalf("AllocChunkAlign(): got %v", data)
			}

			staging, err := h.AllocChunkAlign(0x500000, 0x800000, 512, 16, region.PreferHigh)
			if err != nil {
				t.Fatalf("AllocChunkAlign(staging): %v", err)
			}

			staged := fill(t, staging, 0x5a)
			err = h.AddSegment(mover.Segment{Src: staging.Target, Dst: data.Target, Size: 512})
			if err != nil {
				t.Fatalf("AddSegment(): %v", err)
			}

			err = h.ReserveTrampolines(1)
			if err != nil {
				t.Fatal(err)
			}

			trapped := boot.Catch(func() {
				err = h.Boot(test.State)
			})
			if err != nil {
				t.Fatalf("Boot(): %v", err)
			}

			if trapped == nil {
				t.Fatal("Boot(): control was not transferred")
			}

			if h.State() != Committed {
				t.Fatalf("State(): got %v, want %v", h.State(), Committed)
			}

			if trapped.Entry != 0x100000 {
				t.Fatalf("Boot(): entered at %#x, want %#x", trapped.Entry, 0x100000)
			}

			if diff := cmp.Diff(staged, contents(t, data)); diff != "" {
				t.Fatalf("copied data: (-want, +got)\n%s", diff)
			}

			if diff := cmp.Diff(pattern, contents(t, kernel)); diff != "" {
				t.Fatalf("kernel chunk was modified: (-want, +got)\n%s", diff)
			}

			prog := h.Program()
			code, err := mem.Slice(prog.Base, uint64(len(prog.Code)))
			if err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(code, prog.Code) {
				t.Fatal("relocation program was modified")
			}

			for _, c := range h.Chunks() {
				if prog.Entry() >= c.Target && prog.Entry() < c.Range().End {
					t.Fatalf("relocation program at %#x overlaps %v", prog.Base, c)
				}
			}

			for _, want := range test.State.Assignments() {
				if got := trapped.Regs[want.Reg]; got != want.Value {
					t.Errorf("register %s: got %#x, want %#x", want.Reg, got, want.Value)
				}
			}

			if !strings.Contains(logged.String(), "relocation program at") {
				t.Errorf("log does not mention the relocation program:\n%s", logged.String())
			}

			if err := h.Unload(); !errors.Is(err, ErrState) {
				t.Fatalf("Unload() after Boot: got %v, want %v", err, ErrState)
			}
		})
	}
}

func TestTrampolines(t *testing.T) {
	// Only 1 MiB of memory, far below the target.
	small := []memmap.Descriptor{
		{Type: memmap.Available, Start: 0x100000, Size: 0x100000},
	}

	const target = 0x40000000

	mem := physmem.NewWindow(0, 0x200000)
	p := newPlatform(t, sys.ARM64, &memmap.Static{Map: small}, mem, nil)
	h := p.New()
	shape, err := h.Layout(target)
	if err != nil {
		t.Fatalf("Layout(): %v", err)
	}

	if shape.Trampolines != 1 {
		t.Fatalf("Layout(): got %d trampolines, want 1", shape.Trampolines)
	}

	err = h.ReserveTrampolines(shape.Trampolines - 1)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = h.PrepareRelocs(target)
	if !errors.Is(err, ErrRelocationOverflow) {
		t.Fatalf("PrepareRelocs() with %d trampolines: got %v, want %v", shape.Trampolines-1, err, ErrRelocationOverflow)
	}

	err = h.ReserveTrampolines(shape.Trampolines)
	if err != nil {
		t.Fatal(err)
	}

	addr, size, err := h.PrepareRelocs(target)
	if err != nil {
		t.Fatalf("PrepareRelocs() with %d trampolines: %v", shape.Trampolines, err)
	}

	if addr%16 != 0 || addr < 0x100000 || addr+size > 0x200000 {
		t.Fatalf("PrepareRelocs(): program at %#x (%d bytes)", addr, size)
	}

	code, err := mem.Slice(addr, size)
	if err != nil {
		t.Fatal(err)
	}

	if got := binary.LittleEndian.Uint64(code[size-8:]); got != target {
		t.Fatalf("trampoline slot: got %#x, want %#x", got, target)
	}

	if h.State() != CodeGenerated {
		t.Fatalf("State(): got %v, want %v", h.State(), CodeGenerated)
	}

	// Only the final program remains allocated.
	chunks := p.Allocator().Chunks()
	if len(chunks) != 1 || chunks[0].Target != addr || chunks[0].Size != size {
		t.Fatalf("allocated chunks: %v", chunks)
	}
}

func TestUnload(t *testing.T) {
	fw := memmap.NewPaged(testMap, memmap.DefaultPageSize)
	mem := physmem.NewWindow(0, 0x1000000)
	p := newPlatform(t, sys.X86_64, fw, mem, nil)

	h := p.New()
	_, err := h.AllocChunkAddr(0x100000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.AllocChunkAlign(0, 0x1000000, 0x3000, 0x1000, region.PreferHigh)
	if err != nil {
		t.Fatal(err)
	}

	// Collides with the first chunk.
	_, err = h.AllocChunkAddr(0x100800, 0x1000)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("AllocChunkAddr(): got %v, want %v", err, ErrOutOfMemory)
	}

	_, _, err = h.PrepareRelocs(0x100000)
	if err != nil {
		t.Fatal(err)
	}

	if len(fw.Allocated()) == 0 {
		t.Fatal("firmware has no allocations before Unload")
	}

	err = h.Unload()
	if err != nil {
		t.Fatalf("Unload(): %v", err)
	}

	if got := fw.Allocated(); len(got) != 0 {
		t.Fatalf("firmware allocations after Unload: %v", got)
	}

	if got := p.Allocator().Chunks(); len(got) != 0 {
		t.Fatalf("chunks after Unload: %v", got)
	}

	again := p.New()
	_, err = again.AllocChunkAddr(0x100000, 0x1000)
	if err != nil {
		t.Fatalf("AllocChunkAddr() after Unload: %v", err)
	}
}

func TestStateErrors(t *testing.T) {
	mem := physmem.NewWindow(0, 0x1000000)
	p := newPlatform(t, sys.X86, &memmap.Static{Map: testMap}, mem, nil)

	h := p.New()
	c, err := h.AllocChunkAddr(0x100000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	outside := mover.Segment{Src: 0x300000, Dst: 0x100800, Size: 0x1000}
	if err := h.AddSegment(outside); !errors.Is(err, ErrInvalid) {
		t.Errorf("AddSegment(%v): got %v, want %v", outside, err, ErrInvalid)
	}

	if err := h.ReserveTrampolines(-1); !errors.Is(err, ErrInvalid) {
		t.Errorf("ReserveTrampolines(-1): got %v, want %v", err, ErrInvalid)
	}

	if _, _, err := h.PrepareRelocs(0x100001); err != nil {
		t.Errorf("PrepareRelocs() to unaligned x86 target: %v", err)
	}

	if err := h.Boot(&boot.ARM64State{PC: 0x100000}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Boot() with arm64 state: got %v, want %v", err, ErrInvalid)
	}

	if err := h.Boot(&boot.I386State{EIP: 0x100000}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Boot() without transfer: got %v, want %v", err, ErrInvalid)
	}

	if err := h.AddSegment(mover.Segment{Src: 0x300000, Dst: c.Target, Size: 16}); !errors.Is(err, ErrState) {
		t.Errorf("AddSegment() after planning: got %v, want %v", err, ErrState)
	}

	if _, err := h.AllocChunkAddr(0x200000, 0x1000); !errors.Is(err, ErrState) {
		t.Errorf("AllocChunkAddr() after planning: got %v, want %v", err, ErrState)
	}

	if _, err := h.Plan(); !errors.Is(err, ErrState) {
		t.Errorf("Plan() twice: got %v, want %v", err, ErrState)
	}

	if err := h.Unload(); err != nil {
		t.Fatalf("Unload(): %v", err)
	}

	if err := h.Unload(); !errors.Is(err, ErrState) {
		t.Errorf("Unload() twice: got %v, want %v", err, ErrState)
	}

	if _, _, err := h.PrepareRelocs(0x100000); !errors.Is(err, ErrState) {
		t.Errorf("PrepareRelocs() after Unload: got %v, want %v", err, ErrState)
	}

	arm := newPlatform(t, sys.ARM64, &memmap.Static{Map: testMap}, mem, nil)
	if _, _, err := arm.New().PrepareRelocs(0x100002); !errors.Is(err, ErrInvalid) {
		t.Errorf("PrepareRelocs() to unaligned arm64 target: got %v, want %v", err, ErrInvalid)
	}
}

func TestMisalignedStack(t *testing.T) {
	tests := []struct {
		Name  string
		State boot.State
	}{
		{
			Name:  "x86",
			State: &boot.I386State{ESP: 0x8ffe, EIP: 0x100000},
		},
		{
			Name:  "x86-64",
			State: &boot.AMD64State{RSP: 0x8ff8, RIP: 0x100000},
		},
		{
			Name:  "arm64",
			State: &boot.ARM64State{SP: 0x80008, PC: 0x100000},
		},
		{
			Name:  "riscv64",
			State: &boot.RISCV64State{SP: 0x90004, PC: 0x100000},
		},
		{
			Name:  "ppc",
			State: &boot.PowerPCState{R1: 0x90008, PC: 0x100000},
		},
		{
			Name: "registers",
			State: &boot.Registers{
				Architecture: sys.X86_64,
				PC:           0x100000,
				Regs:         []boot.Assignment{{Reg: "RSP", Value: 0x8ff4}},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			mem := physmem.NewWindow(0, 0x1000000)
			p := newPlatform(t, test.State.Arch(), &memmap.Static{Map: testMap}, mem, nil)
			h := p.New()
			_, err := h.PrepareBoot(test.State)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("PrepareBoot(): got %v, want %v", err, ErrInvalid)
			}

			if h.State() != Open {
				t.Fatalf("State(): got %v, want %v", h.State(), Open)
			}
		})
	}
}

// TestProgramAtWindowEdge checks that a program placed
// at the top of the range nearTarget reports needs no
// trampoline, even though its final branch is its last
// instruction.
func TestProgramAtWindowEdge(t *testing.T) {
	const target = 0x100000

	mem := physmem.NewWindow(0, 0x1000000)
	p := newPlatform(t, sys.PPC, &memmap.Static{Map: testMap}, mem, nil)
	h := p.New()
	_, max := h.nearTarget(target)

	req := &codegen.Request{
		Plan:   &mover.CopyPlan{Ops: []mover.Op{{Segment: mover.Segment{Src: 0x200000, Dst: target, Size: 0x100}}}},
		Target: target,
	}

	shape, err := codegen.Layout(p.Backend(), req, 0)
	if err != nil {
		t.Fatal(err)
	}

	base := (max - shape.Size) &^ (programAlignment - 1)
	shape, err = codegen.Layout(p.Backend(), req, base)
	if err != nil {
		t.Fatal(err)
	}

	if shape.Trampolines != 0 {
		t.Fatalf("Layout(%#x): got %d trampolines, want 0", base, shape.Trampolines)
	}

	// Just past the range, the branch is out of reach.
	shape, err = codegen.Layout(p.Backend(), req, max)
	if err != nil {
		t.Fatal(err)
	}

	if shape.Trampolines != 1 {
		t.Fatalf("Layout(%#x): got %d trampolines, want 1", max, shape.Trampolines)
	}
}

func TestProtectedChunks(t *testing.T) {
	mem := physmem.NewWindow(0, 0x1000000)
	p := newPlatform(t, sys.X86, &memmap.Static{Map: testMap}, mem, nil)

	first := p.New()
	shared, err := first.AllocChunkAddr(0x100000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	second := p.New()
	own, err := second.AllocChunkAddr(0x200000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	// Reading another handle's chunk is fine.
	err = second.AddSegment(mover.Segment{Src: shared.Target, Dst: own.Target, Size: 0x1000})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := second.Plan(); err != nil {
		t.Fatalf("Plan(): %v", err)
	}

	// Writing into it is not.
	err = second.AddSegment(mover.Segment{Src: own.Target, Dst: shared.Target, Size: 0x10})
	if !errors.Is(err, ErrState) {
		t.Fatalf("AddSegment() after Plan: got %v, want %v", err, ErrState)
	}

	third := p.New()
	if err := third.AddSegment(mover.Segment{Src: own.Target, Dst: shared.Target, Size: 0x10}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("AddSegment() into another handle's chunk: got %v, want %v", err, ErrInvalid)
	}
}

type rejectingFirmware struct {
	*memmap.Static
}

func (rejectingFirmware) ExitBootServices() error {
	return errors.New("stale memory map key")
}

func TestFirmwareRejectsExit(t *testing.T) {
	mem := physmem.NewWindow(0, 0x1000000)
	sim := &boot.Simulator{Memory: mem}
	fw := rejectingFirmware{&memmap.Static{Map: testMap}}
	p := newPlatform(t, sys.X86, fw, mem, sim)

	h := p.New()
	if _, err := h.AllocChunkAddr(0x100000, 0x1000); err != nil {
		t.Fatal(err)
	}

	var err error
	trapped := boot.Catch(func() {
		err = h.Boot(&boot.I386State{EIP: 0x100000})
	})
	if trapped != nil {
		t.Fatal("Boot(): transferred control despite firmware failure")
	}

	if !errors.Is(err, ErrFirmwareRejected) {
		t.Fatalf("Boot(): got %v, want %v", err, ErrFirmwareRejected)
	}

	if h.State() != CodeGenerated {
		t.Fatalf("State(): got %v, want %v", h.State(), CodeGenerated)
	}

	if err := h.Unload(); err != nil {
		t.Fatalf("Unload(): %v", err)
	}
}
