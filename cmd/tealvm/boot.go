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

	"github.com/google/subcommands"

	"github.com/teal-os/teal/pkg/mips"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct{}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a machine and report its physical memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot - bring up the VM subsystem and print the frame layout
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Boot) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Boot) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	c, err := loadConfig(*configPath)
	if err != nil {
		Fatalf("loading config: %v", err)
	}
	k, err := c.build()
	if err != nil {
		Fatalf("booting machine: %v", err)
	}

	f := k.Frames()
	fmt.Printf("RAM:             %d bytes (%d frames)\n", c.RAMSize, c.RAMSize/mips.PageSize)
	fmt.Printf("boot reserved:   [0, %#x)\n", c.FirstFree)
	fmt.Printf("frame table:     %d frames\n", f.TableFrames())
	fmt.Printf("managed frames:  %d starting at %#x\n", f.TotalFrames(), f.FirstManaged())
	fmt.Printf("free frames:     %d\n", f.FreeFrames())
	return subcommands.ExitSuccess
}
