// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Command relocate plans and builds relocation programs
// from manifests, using simulated firmware and memory.
//
// Usage:
//
//	relocate COMMAND [OPTIONS]
//
// The commands are:
//
//	memmap  Print the allocator's view of a memory map.
//	plan    Print the copy plan and program listing for a manifest.
//	build   Write the relocation program for a manifest.
//
// The environment variables RELOCATE_ARCH and
// RELOCATE_MANIFEST provide defaults for the -arch and
// -manifest options.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xyproto/env/v2"

	"firefly-os.dev/relocator/internal/manifest"
	"firefly-os.dev/relocator/physmem"
	"firefly-os.dev/relocator/sys"
)

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stderr)
	log.SetPrefix("")
}

type Command struct {
	Name        string
	Description string
	Func        func(ctx context.Context, w io.Writer, args []string) error
}

var (
	commandsNames = make([]string, 0, 10)
	commandsMap   = make(map[string]*Command)

	program = filepath.Base(os.Args[0])
)

func RegisterCommand(name, description string, fun func(ctx context.Context, w io.Writer, args []string) error) {
	if commandsMap[name] != nil {
		panic("command " + name + " already registered")
	}

	if fun == nil {
		panic("command " + name + " registered with nil implementation")
	}

	commandsNames = append(commandsNames, name)
	commandsMap[name] = &Command{Name: name, Description: description, Func: fun}
}

func main() {
	sort.Strings(commandsNames)

	var help bool
	flag.BoolVar(&help, "h", false, "Show this message and exit.")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage\n  %s COMMAND [OPTIONS]\n\n", program)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		maxWidth := 0
		for _, name := range commandsNames {
			if maxWidth < len(name) {
				maxWidth = len(name)
			}
		}

		for _, name := range commandsNames {
			cmd := commandsMap[name]
			fmt.Fprintf(os.Stderr, "  %-*s  %s\n", maxWidth, name, cmd.Description)
		}

		os.Exit(2)
	}

	flag.Parse()

	args := flag.Args()
	if help {
		flag.Usage()
	}

	if len(args) == 0 {
		flag.Usage()
	}

	name := args[0]
	cmd, ok := commandsMap[args[0]]
	if !ok {
		flag.Usage()
	}

	log.SetPrefix(name + ": ")
	err := cmd.Func(context.Background(), os.Stdout, args[1:])
	if err != nil {
		log.Fatal(err)
	}
}

// manifestFlag registers the -manifest option, with
// its default taken from the environment.
func manifestFlag(flags *flag.FlagSet) *string {
	return flags.String("manifest", env.Str("RELOCATE_MANIFEST"), "Path to the TOML or YAML manifest (default: $RELOCATE_MANIFEST).")
}

// archFlag registers the -arch option, a comma-separated
// list of architectures, with its default taken from
// the environment.
func archFlag(flags *flag.FlagSet) *string {
	return flags.String("arch", env.Str("RELOCATE_ARCH"), "Comma-separated architectures to target, overriding the manifest (default: $RELOCATE_ARCH).")
}

// architectures resolves the -arch option, falling back
// to the manifest's architecture.
func architectures(list string, m *manifest.Manifest) ([]*sys.Arch, error) {
	if list == "" {
		arch, err := m.Architecture()
		if err != nil {
			return nil, err
		}

		return []*sys.Arch{arch}, nil
	}

	var arches []*sys.Arch
	for _, name := range strings.Split(list, ",") {
		arch, err := sys.Lookup(name)
		if err != nil {
			return nil, err
		}

		arches = append(arches, arch)
	}

	return arches, nil
}

// simulatedMemory maps enough host memory to stand in
// for the manifest's physical memory.
func simulatedMemory(m *manifest.Manifest, arch *sys.Arch) (*physmem.Window, error) {
	base, size := m.MemoryWindow(arch)
	if size == 0 {
		return nil, fmt.Errorf("manifest has no usable memory for %s", arch)
	}

	return physmem.Map(base, size)
}
