// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package memmap

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// File is the on-disk description of a platform's
// memory map, used to stand in for real firmware.
//
// A TOML file looks like this:
//
//	cooperative = true
//	page_size = 0x1000
//
//	[[regions]]
//	type = "available"
//	start = 0x0
//	size = 0x9f000
//
//	[[heap]]
//	name = "loader heap"
//	start = 0x100000
//	size = 0x40000
type File struct {
	Cooperative bool         `toml:"cooperative" yaml:"cooperative"`
	PageSize    uint64       `toml:"page_size" yaml:"page_size"`
	Regions     []FileRegion `toml:"regions" yaml:"regions"`
	Heap        []FileRegion `toml:"heap" yaml:"heap"`
}

// FileRegion is a single memory map entry or heap
// block in a File.
type FileRegion struct {
	Name  string     `toml:"name" yaml:"name"`
	Type  MemoryType `toml:"type" yaml:"type"`
	Start uint64     `toml:"start" yaml:"start"`
	Size  uint64     `toml:"size" yaml:"size"`
}

// Format identifies an encoding for memory map files.
type Format string

const (
	TOML Format = "toml"
	YAML Format = "yaml"
)

// FormatOf returns the format implied by a file name's
// extension.
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	}

	return "", fmt.Errorf("memmap: unrecognised file extension in %q", name)
}

// Load reads a memory map file, choosing the decoder by
// the file's extension.
func Load(name string) (*File, error) {
	format, err := FormatOf(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("memmap: %w", err)
	}

	f, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("memmap: %s: %w", name, err)
	}

	return f, nil
}

// DecodeInto parses data in the given format into v,
// rejecting unknown fields. The memory map loader and
// the manifest loader share it.
func DecodeInto(data []byte, format Format, v any) error {
	switch format {
	case TOML:
		md, err := toml.Decode(string(data), v)
		if err != nil {
			return err
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown field %q", undecoded[0].String())
		}
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err := dec.Decode(v)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported format %q", format)
	}

	return nil
}

// Decode parses a memory map in the given format.
func Decode(data []byte, format Format) (*File, error) {
	f := new(File)
	err := DecodeInto(data, format, f)
	if err != nil {
		return nil, err
	}

	return f, nil
}

// Descriptors returns the memory map entries.
func (f *File) Descriptors() []Descriptor {
	out := make([]Descriptor, len(f.Regions))
	for i, r := range f.Regions {
		out[i] = Descriptor{Type: r.Type, Start: r.Start, Size: r.Size}
	}

	return out
}

// HeapBlocks returns the loader heap blocks.
func (f *File) HeapBlocks() []HeapBlock {
	out := make([]HeapBlock, len(f.Heap))
	for i, h := range f.Heap {
		name := h.Name
		if name == "" {
			name = fmt.Sprintf("heap %d", i)
		}

		out[i] = HeapBlock{Name: name, Start: h.Start, Size: h.Size}
	}

	return out
}

// Firmware returns firmware that reports the file's
// memory map: Paged firmware if the file is marked
// cooperative, and Static firmware otherwise.
func (f *File) Firmware() Firmware {
	if f.Cooperative {
		return NewPaged(f.Descriptors(), f.PageSize)
	}

	return &Static{Map: f.Descriptors()}
}
