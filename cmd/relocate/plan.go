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

	"golang.org/x/sync/errgroup"

	"firefly-os.dev/relocator/boot"
	"firefly-os.dev/relocator/codegen"
	"firefly-os.dev/relocator/internal/manifest"
	"firefly-os.dev/relocator/physmem"
	"firefly-os.dev/relocator/relocator"
	"firefly-os.dev/relocator/sys"
)

func init() {
	RegisterCommand("plan", "Print the copy plan and program listing for a manifest.", cmdPlan)
}

func cmdPlan(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("plan", flag.ExitOnError)

	var help, verbose bool
	flags.BoolVar(&help, "h", false, "Show this message and exit.")
	flags.BoolVar(&verbose, "v", false, "Log each allocation.")
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

	if *name == "" {
		log.Printf("%s %s: -manifest not specified.", program, flags.Name())
		flags.PrintDefaults()
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

	// Each architecture gets its own platform
	// and simulated memory, so they can be
	// planned concurrently.
	outputs := make([]bytes.Buffer, len(arches))
	g, ctx := errgroup.WithContext(ctx)
	for i, arch := range arches {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			var logger *log.Logger
			if verbose {
				logger = log.New(os.Stderr, arch.Name+": ", 0)
			}

			err := planArch(&outputs[i], m, arch, logger)
			if err != nil {
				return fmt.Errorf("%s: %w", arch, err)
			}

			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		return err
	}

	for i := range outputs {
		if i > 0 {
			fmt.Fprintln(w)
		}

		_, err = w.Write(outputs[i].Bytes())
		if err != nil {
			return err
		}
	}

	return nil
}

// entryState returns the manifest's entry state for
// arch. The manifest's registers only apply to its own
// architecture.
func entryState(m *manifest.Manifest, arch *sys.Arch) boot.State {
	if own, err := m.Architecture(); err == nil && own != arch {
		return &boot.Registers{Architecture: arch, PC: m.Entry}
	}

	return m.State(arch)
}

func planArch(w io.Writer, m *manifest.Manifest, arch *sys.Arch, logger *log.Logger) error {
	mem, err := simulatedMemory(m, arch)
	if err != nil {
		return err
	}

	defer physmem.Unmap(mem)

	cfg := m.Config(arch)
	cfg.Memory = mem
	cfg.Log = logger
	p, err := relocator.NewPlatform(cfg)
	if err != nil {
		return err
	}

	h := p.New()
	chunks, err := m.Apply(h)
	if err != nil {
		return err
	}

	prog, err := h.PrepareBoot(entryState(m, arch))
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Architecture %s:\n", arch)
	fmt.Fprintln(w, "Chunks:")
	for _, name := range m.ChunkNames() {
		fmt.Fprintf(w, "  %-16s %v\n", name, chunks[name].Range())
	}

	fmt.Fprintln(w, "Copy plan:")
	for _, op := range h.CopyPlan().Ops {
		fmt.Fprintf(w, "  %v\n", op)
	}

	return printProgram(w, prog)
}

func printProgram(w io.Writer, prog *codegen.Program) error {
	fmt.Fprintf(w, "Relocation program at %#x (%d bytes", prog.Base, len(prog.Code))
	if prog.Shape.Slots > 0 {
		fmt.Fprintf(w, ", %d of %d trampolines used", prog.Shape.Trampolines, prog.Shape.Slots)
	}

	fmt.Fprintln(w, "):")
	_, err := io.WriteString(w, prog.Listing())

	return err
}
