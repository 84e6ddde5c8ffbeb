// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package manifest describes a relocation in a TOML or
// YAML file, so that it can be planned and built
// without real firmware.
//
// A TOML manifest looks like this:
//
//	arch = "x86-64"
//	entry = 0x100000
//	trampolines = 1
//
//	[memory]
//	page_size = 0x1000
//
//	[[memory.regions]]
//	type = "available"
//	start = 0x100000
//	size = 0x3ff00000
//
//	[[chunks]]
//	name = "kernel"
//	address = 0x100000
//	size = 0x1000
//
//	[[chunks]]
//	name = "staging"
//	min = 0x1000000
//	max = 0x2000000
//	size = 0x1000
//	align = 0x1000
//	file = "kernel.bin"
//
//	[[segments]]
//	from = "staging"
//	to = "kernel"
//
//	[[registers]]
//	name = "rsi"
//	value = 0x7000
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"firefly-os.dev/relocator/boot"
	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/region"
	"firefly-os.dev/relocator/relocator"
	"firefly-os.dev/relocator/sys"
)

// Manifest describes the memory map, the chunks, the
// copies, and the entry state of one image.
type Manifest struct {
	Arch        string      `toml:"arch" yaml:"arch"`
	Entry       uint64      `toml:"entry" yaml:"entry"`
	Trampolines int         `toml:"trampolines" yaml:"trampolines"`
	Memory      memmap.File `toml:"memory" yaml:"memory"`
	Chunks      []Chunk     `toml:"chunks" yaml:"chunks"`
	Segments    []Segment   `toml:"segments" yaml:"segments"`
	Registers   []Register  `toml:"registers" yaml:"registers"`

	dir string // Directory containing the manifest, for chunk files.
}

// Chunk is a region of memory to allocate.
//
// If Max is zero, the chunk is placed at Address.
// Otherwise, it is placed anywhere in [Min, Max).
type Chunk struct {
	Name    string `toml:"name" yaml:"name"`
	Address uint64 `toml:"address" yaml:"address"`
	Min     uint64 `toml:"min" yaml:"min"`
	Max     uint64 `toml:"max" yaml:"max"`
	Size    uint64 `toml:"size" yaml:"size"`
	Align   uint64 `toml:"align" yaml:"align"`
	Prefer  string `toml:"prefer" yaml:"prefer"`

	// The chunk's initial contents, either a byte
	// repeated throughout the chunk or a file,
	// relative to the manifest. The file may be
	// shorter than the chunk.
	Fill uint8  `toml:"fill" yaml:"fill"`
	File string `toml:"file" yaml:"file"`
}

// Segment is a copy from one chunk to another, made
// just before the image is entered.
//
// If Size is zero, the whole source chunk is copied.
type Segment struct {
	From       string `toml:"from" yaml:"from"`
	To         string `toml:"to" yaml:"to"`
	FromOffset uint64 `toml:"from_offset" yaml:"from_offset"`
	ToOffset   uint64 `toml:"to_offset" yaml:"to_offset"`
	Size       uint64 `toml:"size" yaml:"size"`
}

// Register is a value loaded before the image is
// entered.
type Register struct {
	Name  string `toml:"name" yaml:"name"`
	Value uint64 `toml:"value" yaml:"value"`
}

// Load reads a manifest, choosing the decoder by the
// file's extension.
func Load(name string) (*Manifest, error) {
	format, err := memmap.FormatOf(name)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	m, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", name, err)
	}

	m.dir = filepath.Dir(name)

	return m, nil
}

// Decode parses a manifest in the given format and
// checks that it is self-consistent.
func Decode(data []byte, format memmap.Format) (*Manifest, error) {
	m := new(Manifest)
	err := memmap.DecodeInto(data, format, m)
	if err != nil {
		return nil, err
	}

	err = m.validate()
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manifest) validate() error {
	if m.Trampolines < 0 {
		return fmt.Errorf("negative trampoline count %d", m.Trampolines)
	}

	seen := make(map[string]bool)
	for i, c := range m.Chunks {
		if c.Name == "" {
			return fmt.Errorf("chunk %d has no name", i)
		}

		if seen[c.Name] {
			return fmt.Errorf("chunk %q is defined twice", c.Name)
		}

		seen[c.Name] = true
		if c.Size == 0 {
			return fmt.Errorf("chunk %q has no size", c.Name)
		}

		if _, err := c.preference(); err != nil {
			return err
		}
	}

	for i, s := range m.Segments {
		if !seen[s.From] {
			return fmt.Errorf("segment %d copies from unknown chunk %q", i, s.From)
		}

		if !seen[s.To] {
			return fmt.Errorf("segment %d copies to unknown chunk %q", i, s.To)
		}
	}

	return nil
}

func (c *Chunk) preference() (region.Preference, error) {
	switch strings.ToLower(c.Prefer) {
	case "", "none":
		return region.PreferNone, nil
	case "low":
		return region.PreferLow, nil
	case "high":
		return region.PreferHigh, nil
	}

	return 0, fmt.Errorf("chunk %q has unrecognised preference %q", c.Name, c.Prefer)
}

// Architecture returns the manifest's architecture.
func (m *Manifest) Architecture() (*sys.Arch, error) {
	if m.Arch == "" {
		return nil, fmt.Errorf("manifest: no architecture")
	}

	arch, err := sys.Lookup(m.Arch)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	return arch, nil
}

// MemoryWindow returns the span of physical memory
// that holds every usable region below the
// architecture's address limit. Simulated memory over
// this span can back every chunk.
func (m *Manifest) MemoryWindow(arch *sys.Arch) (base, size uint64) {
	var start, end uint64
	found := false
	for _, d := range m.Memory.Descriptors() {
		r := d.Range()
		if d.Type != memmap.Available || r.Start >= arch.AddressLimit {
			continue
		}

		r.End = min(r.End, arch.AddressLimit)
		if !found {
			start, end = r.Start, r.End
			found = true
			continue
		}

		start = min(start, r.Start)
		end = max(end, r.End)
	}

	return start, end - start
}

// State returns the entry state for the given
// architecture.
func (m *Manifest) State(arch *sys.Arch) boot.State {
	regs := make([]boot.Assignment, len(m.Registers))
	for i, r := range m.Registers {
		regs[i] = boot.Assignment{Reg: strings.ToLower(r.Name), Value: r.Value}
	}

	return &boot.Registers{Architecture: arch, PC: m.Entry, Regs: regs}
}

// Config returns the platform configuration for the
// manifest's memory map.
func (m *Manifest) Config(arch *sys.Arch) relocator.Config {
	return relocator.Config{
		Arch:     arch,
		Firmware: m.Memory.Firmware(),
		Heap:     m.Memory.HeapBlocks(),
	}
}

// Apply allocates and fills the manifest's chunks and
// adds its segments to h. It returns the chunks by
// name.
func (m *Manifest) Apply(h *relocator.Handle) (map[string]*region.Chunk, error) {
	chunks := make(map[string]*region.Chunk, len(m.Chunks))
	for _, c := range m.Chunks {
		chunk, err := m.alloc(h, &c)
		if err != nil {
			return nil, fmt.Errorf("manifest: chunk %q: %w", c.Name, err)
		}

		chunks[c.Name] = chunk
		err = m.fill(chunk, &c)
		if err != nil {
			return nil, fmt.Errorf("manifest: chunk %q: %w", c.Name, err)
		}
	}

	for i, s := range m.Segments {
		from, to := chunks[s.From], chunks[s.To]
		size := s.Size
		if size == 0 {
			size = from.Size - min(s.FromOffset, from.Size)
		}

		if s.FromOffset+size > from.Size || s.FromOffset+size < size {
			return nil, fmt.Errorf("manifest: segment %d reads beyond chunk %q: %w", i, s.From, relocator.ErrInvalid)
		}

		seg := mover.Segment{
			Src:  from.Target + s.FromOffset,
			Dst:  to.Target + s.ToOffset,
			Size: size,
		}

		err := h.AddSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("manifest: segment %d: %w", i, err)
		}
	}

	err := h.ReserveTrampolines(m.Trampolines)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	return chunks, nil
}

func (m *Manifest) alloc(h *relocator.Handle, c *Chunk) (*region.Chunk, error) {
	if c.Max == 0 {
		return h.AllocChunkAddr(c.Address, c.Size)
	}

	pref, err := c.preference()
	if err != nil {
		return nil, err
	}

	return h.AllocChunkAlign(c.Min, c.Max, c.Size, c.Align, pref)
}

func (m *Manifest) fill(chunk *region.Chunk, c *Chunk) error {
	if c.Fill == 0 && c.File == "" {
		return nil
	}

	b, err := chunk.Bytes()
	if err != nil {
		return err
	}

	if c.File == "" {
		for i := range b {
			b[i] = c.Fill
		}

		return nil
	}

	data, err := os.ReadFile(filepath.Join(m.dir, c.File))
	if err != nil {
		return err
	}

	if len(data) > len(b) {
		return fmt.Errorf("%s is %d bytes, larger than the chunk: %w", c.File, len(data), relocator.ErrInvalid)
	}

	n := copy(b, data)
	clear(b[n:])

	return nil
}

// ChunkNames returns the names of the manifest's
// chunks, in order.
func (m *Manifest) ChunkNames() []string {
	names := make([]string, len(m.Chunks))
	for i, c := range m.Chunks {
		names[i] = c.Name
	}

	return names
}
