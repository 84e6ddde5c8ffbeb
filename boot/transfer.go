// Copyright 2024 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package boot

import (
	"bytes"
	"fmt"

	"firefly-os.dev/relocator/codegen"
	"firefly-os.dev/relocator/mover"
	"firefly-os.dev/relocator/physmem"
)

// Transfer hands control to a relocation program.
type Transfer interface {
	// Transfer jumps to the program's entry point.
	// It never returns.
	Transfer(p *codegen.Program)
}

// Trapped is the panic value used by Trap.
type Trapped struct {
	Program *codegen.Program
	Entry   uint64            // Where control would arrive.
	Regs    map[string]uint64 // The registers loaded on the way.
}

func (t *Trapped) String() string {
	return fmt.Sprintf("trapped transfer to %#x via program at %#x", t.Entry, t.Program.Base)
}

// Trap is a Transfer for tests. Instead of jumping, it
// records the program and panics with a *Trapped, which
// Catch recovers.
type Trap struct {
	Program *codegen.Program
}

var _ Transfer = (*Trap)(nil)

func (t *Trap) Transfer(p *codegen.Program) {
	t.Program = p
	regs := make(map[string]uint64, len(p.Regs))
	for _, r := range p.Regs {
		regs[r.Reg] = r.Value
	}

	panic(&Trapped{Program: p, Entry: p.Target, Regs: regs})
}

// Catch calls fn and returns the transfer it trapped,
// if any. Panics other than a trapped transfer are not
// recovered.
func Catch(fn func()) (trapped *Trapped) {
	defer func() {
		if v := recover(); v != nil {
			t, ok := v.(*Trapped)
			if !ok {
				panic(v)
			}

			trapped = t
		}
	}()

	fn()

	return nil
}

// Simulator is a Transfer that performs a program's
// copy plan against simulated physical memory, then
// traps at the entry point.
//
// Before copying, the simulator checks that the
// program's code is present at its base address, as it
// would need to be for a real jump to work.
type Simulator struct {
	Memory physmem.Memory
	Trap
}

var _ Transfer = (*Simulator)(nil)

func (s *Simulator) Transfer(p *codegen.Program) {
	code, err := s.Memory.Slice(p.Base, uint64(len(p.Code)))
	if err != nil {
		panic(fmt.Sprintf("boot: program is not in simulated memory: %v", err))
	}

	if !bytes.Equal(code, p.Code) {
		panic(fmt.Sprintf("boot: program at %#x does not match its generated code", p.Base))
	}

	if p.Plan != nil {
		err = mover.Execute(p.Plan, s.Memory)
		if err != nil {
			panic(fmt.Sprintf("boot: simulated copy failed: %v", err))
		}

		if !bytes.Equal(code, p.Code) {
			panic(fmt.Sprintf("boot: program at %#x was overwritten by its own copies", p.Base))
		}
	}

	s.Trap.Transfer(p)
}
