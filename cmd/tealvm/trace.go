// Copyright 2026 The Teal Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/teal-os/teal/pkg/addrspace"
	"github.com/teal-os/teal/pkg/mips"
)

// Trace implements subcommands.Command for the "trace" command. It builds
// a process-like address space and replays a list of memory accesses
// through the fault handler.
type Trace struct {
	textBase  uint64
	textPages uint
	dataBase  uint64
	dataPages uint
	heapGrow  uint
}

// Name implements subcommands.Command.Name.
func (*Trace) Name() string {
	return "trace"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Trace) Synopsis() string {
	return "replay a fault trace against a fresh address space"
}

// Usage implements subcommands.Command.Usage.
func (*Trace) Usage() string {
	return `trace [flags] <access>...

Each access is ADDR, r:ADDR or w:ADDR (w: reports a write, exercising the
read-only check). Example:

  tealvm trace w:0x500000 r:0x400004 w:0x7ffff000
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Trace) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&t.textBase, "text", 0x400000, "base of the read/execute text region")
	f.UintVar(&t.textPages, "text-pages", 2, "size of the text region in pages")
	f.Uint64Var(&t.dataBase, "data", 0x500000, "base of the read/write data region")
	f.UintVar(&t.dataPages, "data-pages", 2, "size of the data region in pages")
	f.UintVar(&t.heapGrow, "heap", 0, "grow the heap by this many bytes before tracing")
}

// Execute implements subcommands.Command.Execute.
func (t *Trace) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	c, err := loadConfig(*configPath)
	if err != nil {
		Fatalf("loading config: %v", err)
	}
	k, err := c.build()
	if err != nil {
		Fatalf("booting machine: %v", err)
	}

	as := k.NewAddressSpace()
	if c.StackPages > 0 {
		as.SetStackSize(c.StackPages)
	}
	k.SetCurrent(func() *addrspace.AddressSpace { return as })

	if err := as.DefineRegion(mips.VAddr(t.textBase), uint32(t.textPages)*mips.PageSize, hostarch.AccessType{Read: true, Execute: true}); err != nil {
		Fatalf("defining text region: %v", err)
	}
	if err := as.DefineRegion(mips.VAddr(t.dataBase), uint32(t.dataPages)*mips.PageSize, hostarch.ReadWrite); err != nil {
		Fatalf("defining data region: %v", err)
	}
	sp, err := as.DefineStack()
	if err != nil {
		Fatalf("defining stack: %v", err)
	}
	if t.heapGrow > 0 {
		if _, err := as.Sbrk(int32(t.heapGrow)); err != nil {
			Fatalf("growing heap: %v", err)
		}
	}
	as.Activate()

	fmt.Printf("text  [%#x, +%d pages) r-x\n", t.textBase, t.textPages)
	fmt.Printf("data  [%#x, +%d pages) rw-\n", t.dataBase, t.dataPages)
	fmt.Printf("heap  [%#x, %#x)\n", as.HeapBase(), as.HeapEnd())
	fmt.Printf("stack [%#x, %#x), sp=%#x\n", as.StackEnd(), as.StackBase(), sp)

	for _, arg := range f.Args() {
		kind := mips.FaultRead
		spec := arg
		if rest, ok := strings.CutPrefix(arg, "w:"); ok {
			kind = mips.FaultWrite
			spec = rest
		} else if rest, ok := strings.CutPrefix(arg, "r:"); ok {
			spec = rest
		}

		addr, err := strconv.ParseUint(spec, 0, 32)
		if err != nil {
			Fatalf("bad access %q: %v", arg, err)
		}
		va := mips.VAddr(addr)

		if err := k.Fault(kind, va); err != nil {
			fmt.Printf("%-5v %#010x -> %v\n", kind, addr, err)
			continue
		}
		pa, _ := as.Translation(va)
		fmt.Printf("%-5v %#010x -> frame %#x\n", kind, addr, pa)
	}

	fmt.Printf("%d pages mapped, %d frames free\n", as.MappedPages(), k.Frames().FreeFrames())
	return subcommands.ExitSuccess
}
