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

// Stress implements subcommands.Command for the "stress" command. It
// drives the frame allocator to exhaustion and verifies that every frame
// comes back.
type Stress struct {
	contiguous uint
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "allocate physical frames to exhaustion and verify conservation"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-contiguous N] - exhaust the frame allocator, free everything, and check the free count
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.UintVar(&s.contiguous, "contiguous", 0, "also allocate one run of N contiguous frames before exhausting")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	c, err := loadConfig(*configPath)
	if err != nil {
		Fatalf("loading config: %v", err)
	}
	k, err := c.build()
	if err != nil {
		Fatalf("booting machine: %v", err)
	}
	frames := k.Frames()
	before := frames.FreeFrames()

	var run mips.VAddr
	if s.contiguous > 0 {
		run = frames.AllocKPages(uint32(s.contiguous))
		if run == 0 {
			Fatalf("no free run of %d frames in %d", s.contiguous, before)
		}
		fmt.Printf("contiguous run of %d frames at kseg0 %#x\n", s.contiguous, run)
	}

	var pages []mips.PAddr
	for {
		pa := frames.AllocPage()
		if pa == 0 {
			break
		}
		pages = append(pages, pa)
	}
	fmt.Printf("exhausted after %d single-frame allocations\n", len(pages))

	for _, pa := range pages {
		frames.FreePage(pa)
	}
	if run != 0 {
		frames.FreeKPages(run)
	}

	after := frames.FreeFrames()
	if after != before {
		Fatalf("frame leak: %d free before, %d after", before, after)
	}
	fmt.Printf("all %d frames returned\n", after)
	return subcommands.ExitSuccess
}
