// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"firefly-os.dev/relocator/memmap"
	"firefly-os.dev/relocator/region"
	"firefly-os.dev/relocator/sys"
)

func init() {
	RegisterCommand("memmap", "Print the allocator's view of a memory map.", cmdMemmap)
}

func cmdMemmap(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("memmap", flag.ExitOnError)

	var help bool
	var name, archName string
	flags.BoolVar(&help, "h", false, "Show this message and exit.")
	flags.StringVar(&name, "map", "", "Path to the TOML or YAML memory map.")
	flags.StringVar(&archName, "arch", "x86-64", "Architecture whose address limit applies.")
	flags.Usage = func() {
		log.Printf("Usage:\n  %s %s [OPTIONS]\n\n", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(2)
	}

	err := flags.Parse(args)
	if err != nil || help {
		flags.Usage()
	}

	if name == "" {
		log.Printf("%s %s: -map not specified.", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(1)
	}

	arch, err := sys.Lookup(archName)
	if err != nil {
		return err
	}

	f, err := memmap.Load(name)
	if err != nil {
		return err
	}

	model, err := memmap.Discover(f.Firmware(), arch.AddressLimit)
	if err != nil {
		return err
	}

	return printMemmap(w, region.New(model, nil, f.HeapBlocks()))
}

func printMemmap(w io.Writer, a *region.Allocator) error {
	model := a.Model()
	fmt.Fprintf(w, "Memory map (page size %#x):\n", model.Firmware().PageSize())
	for _, d := range model.Descriptors() {
		fmt.Fprintf(w, "  %v\n", d)
	}

	heap := a.Heap()
	if len(heap) > 0 {
		fmt.Fprintln(w, "Loader heap:")
		for i := range heap {
			fmt.Fprintf(w, "  %-16s %v\n", heap[i].Name, heap[i].Range())
		}
	}

	fmt.Fprintln(w, "Events:")
	for _, e := range a.Events() {
		fmt.Fprintf(w, "  %v\n", e)
	}

	fmt.Fprintln(w, "Free:")
	var total uint64
	for _, r := range a.FreeRanges() {
		total += r.Size()
		fmt.Fprintf(w, "  %v\n", r)
	}

	_, err := fmt.Fprintf(w, "Total free: %#x bytes\n", total)

	return err
}
