// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"firefly-os.dev/relocator/boot"
	"firefly-os.dev/relocator/codegen"
	"firefly-os.dev/relocator/image/elf"
	"firefly-os.dev/relocator/internal/manifest"
	"firefly-os.dev/relocator/physmem"
	"firefly-os.dev/relocator/region"
	"firefly-os.dev/relocator/relocator"
)

func init() {
	RegisterCommand("build", "Write the relocation program for a manifest.", cmdBuild)
}

func cmdBuild(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("build", flag.ExitOnError)

	var help, simulate, withChunks bool
	var out, format string
	flags.BoolVar(&help, "h", false, "Show this message and exit.")
	flags.BoolVar(&simulate, "simulate", false, "Run the copies on simulated memory and report the entry state.")
	flags.BoolVar(&withChunks, "chunks", false, "Include each chunk's contents in the ELF file.")
	flags.StringVar(&out, "o", "", "Path where the program should be written.")
	flags.StringVar(&format, "format", "raw", "Output format (options: raw, elf).")
	name := manifestFlag(flags)
	archList := archFlag(flags)
	flags.Usage = func() {
		log.Printf("Usage:\n  %s %s [OPTIONS]\n\n", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(2)
	}

	err := flags.Parse(args)
	if err != nil || help {
		flags.Usage()
	}

	if *name == "" || out == "" {
		log.Printf("%s %s: -manifest and -o must be specified.", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(1)
	}

	if format != "raw" && format != "elf" {
		log.Printf("%s %s: unrecognised format %q.", program, flags.Name(), format)
		flags.PrintDefaults()
		os.Exit(1)
	}

	if withChunks && format != "elf" {
		log.Printf("%s %s: -chunks requires -format=elf.", program, flags.Name())
		os.Exit(1)
	}

	m, err := manifest.Load(*name)
	if err != nil {
		return err
	}

	arches, err := architectures(*archList, m)
	if err != nil {
		return err
	}

	if len(arches) != 1 {
		return fmt.Errorf("build needs exactly one architecture, got %d", len(arches))
	}

	arch := arches[0]
	mem, err := simulatedMemory(m, arch)
	if err != nil {
		return err
	}

	defer physmem.Unmap(mem)

	cfg := m.Config(arch)
	cfg.Memory = mem
	cfg.Transfer = &boot.Simulator{Memory: mem}
	p, err := relocator.NewPlatform(cfg)
	if err != nil {
		return err
	}

	h := p.New()
	chunks, err := m.Apply(h)
	if err != nil {
		return err
	}

	state := entryState(m, arch)
	var prog *codegen.Program
	if simulate {
		trapped := boot.Catch(func() {
			err = h.Boot(state)
		})
		if err != nil {
			return err
		}

		prog = trapped.Program
		printEntry(w, trapped)
	} else {
		prog, err = h.PrepareBoot(state)
		if err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	switch format {
	case "raw":
		buf.Write(prog.Code)
	case "elf":
		sections := []*elf.Section{
			{
				Name:       elf.ProgramSection,
				Address:    prog.Base,
				Data:       prog.Code,
				Executable: true,
			},
		}

		if withChunks {
			for _, name := range m.ChunkNames() {
				section, err := chunkSection(name, chunks[name])
				if err != nil {
					return err
				}

				sections = append(sections, section)
			}
		}

		err = elf.Encode(&buf, arch, prog.Entry(), sections)
		if err != nil {
			return err
		}
	}

	err = os.WriteFile(out, buf.Bytes(), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %v", out, err)
	}

	log.Printf("Wrote %d-byte %s program at %#x to %s.", len(prog.Code), arch, prog.Base, out)

	return nil
}

func chunkSection(name string, c *region.Chunk) (*elf.Section, error) {
	data, err := c.Bytes()
	if err != nil {
		return nil, err
	}

	section := &elf.Section{
		Name:    name,
		Address: c.Target,
		Data:    bytes.Clone(data),
	}

	return section, nil
}

func printEntry(w io.Writer, t *boot.Trapped) {
	fmt.Fprintf(w, "Entered %#x via the relocation program at %#x.\n", t.Entry, t.Program.Base)
	if len(t.Regs) == 0 {
		return
	}

	names := make([]string, 0, len(t.Regs))
	for name := range t.Regs {
		names = append(names, name)
	}

	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-4s %#x\n", name, t.Regs[name])
	}
}
