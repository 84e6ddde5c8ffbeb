// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package elf encodes relocation programs and boot images
// according to the ELF format.
package elf

import (
	"bytes"
	gobinary "encoding/binary"
	"fmt"
	"io"

	"firefly-os.dev/relocator/codegen"
	"firefly-os.dev/relocator/sys"
)

// Section is a contiguous piece of the image, loaded at
// a fixed physical address.
type Section struct {
	Name       string
	Address    uint64
	Data       []byte
	Executable bool
}

// ProgramSection is the name given to the relocation
// program's section by EncodeProgram.
const ProgramSection = "relocate"

// EncodeProgram writes the relocation program to w as an
// ELF executable whose entry point is the program's
// entry point.
func EncodeProgram(w io.Writer, p *codegen.Program) error {
	sections := []*Section{
		{
			Name:       ProgramSection,
			Address:    p.Base,
			Data:       p.Code,
			Executable: true,
		},
	}

	return Encode(w, p.Arch, p.Entry(), sections)
}

var machines = map[*sys.Arch]uint16{
	sys.X86:     0x03,
	sys.X86_64:  0x3e,
	sys.ARM64:   0xb7,
	sys.RISCV64: 0xf3,
	sys.PPC:     0x14,
}

func endianness(bo gobinary.ByteOrder) uint8 {
	switch bo.String() {
	case "LittleEndian":
		return 1
	case "BigEndian":
		return 2
	}

	return 0
}

// Encode writes the sections to w as an ELF executable
// for the given architecture.
func Encode(w io.Writer, arch *sys.Arch, entry uint64, sections []*Section) error {
	machine, ok := machines[arch]
	if !ok {
		return fmt.Errorf("elf: unsupported architecture %s", arch)
	}

	var class uint8
	switch arch.PointerSize {
	case 4:
		class = 1
	case 8:
		class = 2
	default:
		return fmt.Errorf("elf: %d-bit binaries are not supported", 8*arch.PointerSize)
	}

	if len(sections) == 0 {
		return fmt.Errorf("elf: no sections")
	}

	limit := arch.AddressLimit
	if entry >= limit {
		return fmt.Errorf("elf: entry point %#x is outside the %s address space", entry, arch)
	}

	for _, section := range sections {
		end := section.Address + uint64(len(section.Data))
		if end < section.Address || end > limit {
			return fmt.Errorf("elf: section %q at %#x is outside the %s address space", section.Name, section.Address, arch)
		}
	}

	// See https://en.wikipedia.org/wiki/Executable_and_Linkable_Format
	b := new(bytes.Buffer)
	bo := arch.ByteOrder
	write := func(data any) {
		gobinary.Write(b, bo, data)
	}

	// word writes an address-sized field.
	word := func(v uint64) {
		if class == 2 {
			write(v)
		} else {
			write(uint32(v))
		}
	}

	const (
		pageSize = 0x1000 // 4kB page size in bytes.

		// Section names table.
		shstrtabName = ".shstrtab"

		// Value constants.
		ET_EXEC       = 0x02
		PT_LOAD       = 0x01
		PF_X          = 0x01
		PF_W          = 0x02
		PF_R          = 0x04
		SHT_PROGBITS  = 0x01
		SHT_STRTAB    = 0x03
		SHF_WRITE     = 0x01
		SHF_ALLOC     = 0x02
		SHF_EXECINSTR = 0x04
		SHF_STRINGS   = 0x20
	)

	// Header sizes in bytes.
	elfHeaderSize, progHeaderSize, sectHeaderSize := uint64(0x34), uint64(0x20), uint64(0x28)
	if class == 2 {
		elfHeaderSize, progHeaderSize, sectHeaderSize = 0x40, 0x38, 0x40
	}

	// Build the section names table.
	var shstrtab bytes.Buffer
	sectionNames := make(map[string]uint32)
	addSectionName := func(s string) {
		if _, ok := sectionNames[s]; ok {
			return
		}

		sectionNames[s] = uint32(shstrtab.Len())
		shstrtab.WriteString(s)
		shstrtab.WriteByte(0)
	}

	addSectionName("")
	addSectionName(shstrtabName)
	for _, section := range sections {
		addSectionName(section.Name)
	}

	// Start with the offsets that we don't align.
	progHeadOff := elfHeaderSize                            // Offset of the program headers (ELF header length).
	progHeadLen := progHeaderSize * uint64(len(sections))   // Length of the program headers.
	sectHeadOff := progHeadOff + progHeadLen                // Offset of the section headers.
	sectHeadLen := sectHeaderSize * uint64(2+len(sections)) // Length of the section headers (including the NULL section and the section names).
	sectDataOff := sectHeadOff + sectHeadLen                // Offset of the section names table.
	sectDataLen := uint64(shstrtab.Len())                   // Length of the section names table.
	sectDataEnd := sectDataOff + sectDataLen                // Offset where the section names table ends.

	// Each section's file offset is congruent to its
	// address modulo the page size, so a loader can
	// map it directly.
	fileStart := make([]uint64, len(sections))
	offset := sectDataEnd
	for i, section := range sections {
		page := (offset + pageSize - 1) &^ (pageSize - 1)
		start := page + section.Address%pageSize
		if start < offset {
			start += pageSize
		}

		fileStart[i] = start
		offset = start + uint64(len(section.Data))
	}

	ident := [16]byte{0x7f, 'E', 'L', 'F'} // Magic number.
	ident[4] = class                       // 32-bit or 64-bit format.
	ident[5] = endianness(bo)              // Endianness.
	ident[6] = 1                           // ELF version 1.
	ident[7] = 0                           // System V ABI.
	b.Write(ident[:])
	write(uint16(ET_EXEC))           // Executable file.
	write(machine)                   // Architecture.
	write(uint32(1))                 // ELF version 1.
	word(entry)                      // Entry point address.
	word(progHeadOff)                // Program header table offset.
	word(sectHeadOff)                // Section header table offset.
	write(uint32(0))                 // Flags (which we don't use).
	write(uint16(elfHeaderSize))     // File header size.
	write(uint16(progHeaderSize))    // Program header size.
	write(uint16(len(sections)))     // Number of program headers.
	write(uint16(sectHeaderSize))    // Section header size.
	write(uint16(2 + len(sections))) // Number of section headers.
	write(uint16(1))                 // Section header table index for section names (always second).

	// Add the program headers. The two classes
	// order the fields differently.
	for i, section := range sections {
		flags := uint32(PF_R | PF_W)
		if section.Executable {
			flags = PF_R | PF_X
		}

		size := uint64(len(section.Data))
		write(uint32(PT_LOAD)) // Loadable segment.
		if class == 2 {
			write(flags) // Segment flags.
		}
		word(fileStart[i])    // File offset where segment begins.
		word(section.Address) // Segment virtual address in memory.
		word(section.Address) // Segment physical address in memory.
		word(size)            // Size in the binary file.
		word(size)            // Size in memory.
		if class == 1 {
			write(flags) // Segment flags.
		}
		word(pageSize) // Alignment in memory.
	}

	// Add the section headers.
	b.Write(make([]byte, sectHeaderSize)) // The NULL section.
	write(sectionNames[shstrtabName])     // Section name offset in section names table.
	write(uint32(SHT_STRTAB))             // Section names table.
	word(SHF_STRINGS)                     // Section flags.
	word(0)                               // Section virtual address in memory.
	word(sectDataOff)                     // File offset where section begins.
	word(sectDataLen)                     // Size in the binary file.
	write(uint32(0))                      // sh_link
	write(uint32(0))                      // sh_info
	word(1)                               // Alignment.
	word(0)                               // sh_entsize
	for i, section := range sections {
		flags := uint64(SHF_ALLOC | SHF_WRITE)
		if section.Executable {
			flags = SHF_ALLOC | SHF_EXECINSTR
		}

		write(sectionNames[section.Name]) // Section name offset in section names table.
		write(uint32(SHT_PROGBITS))       // Loadable section.
		word(flags)                       // Section flags.
		word(section.Address)             // Section virtual address in memory.
		word(fileStart[i])                // File offset where section begins.
		word(uint64(len(section.Data)))   // Size in the binary file.
		write(uint32(0))                  // sh_link
		write(uint32(0))                  // sh_info
		word(1)                           // Alignment.
		word(0)                           // sh_entsize
	}

	// Add the section names table.
	b.Write(shstrtab.Bytes())

	// Add the section data, padding each
	// section to its file offset.
	for i, section := range sections {
		b.Write(make([]byte, fileStart[i]-uint64(b.Len())))
		b.Write(section.Data)
	}

	_, err := w.Write(b.Bytes())

	return err
}
