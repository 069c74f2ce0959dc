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
	"github.com/BurntSushi/toml"

	"github.com/teal-os/teal/pkg/machine"
	"github.com/teal-os/teal/pkg/mips"
	"github.com/teal-os/teal/pkg/vm"
)

// config describes the simulated machine.
type config struct {
	// RAMSize is the amount of physical RAM in bytes. Page-aligned.
	RAMSize uint32 `toml:"ram_size"`

	// FirstFree is the boundary below which RAM is treated as occupied by
	// the boot loader and kernel image. Page-aligned.
	FirstFree uint32 `toml:"first_free"`

	// StackPages is the number of pages reserved for each user stack.
	StackPages uint32 `toml:"stack_pages"`
}

func defaultConfig() config {
	return config{
		RAMSize:    1 << 20,
		FirstFree:  128 << 10,
		StackPages: 1,
	}
}

// loadConfig reads a TOML machine config, or returns the defaults if path
// is empty.
func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	_, err := toml.DecodeFile(path, &c)
	return c, err
}

// build brings up a machine and its VM subsystem from the config and runs
// the bootstrap.
func (c config) build() (*vm.VM, error) {
	m, err := machine.New(mips.PAddr(c.RAMSize), mips.PAddr(c.FirstFree))
	if err != nil {
		return nil, err
	}
	k := vm.New(m)
	k.Bootstrap()
	return k, nil
}
