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

// Package vm ties the subsystem together: the bootstrap entry point and
// the fault handler the trap dispatcher invokes on every TLB miss or
// protection trap.
package vm

import (
	"math/rand"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/teal-os/teal/pkg/addrspace"
	"github.com/teal-os/teal/pkg/coremap"
	"github.com/teal-os/teal/pkg/machine"
	"github.com/teal-os/teal/pkg/mips"
)

// VM is the virtual-memory subsystem of one machine.
type VM struct {
	machine *machine.Machine
	frames  *coremap.Allocator

	// current returns the address space active on the calling context, or
	// nil in pure-kernel context. The process layer installs it via
	// SetCurrent.
	current func() *addrspace.AddressSpace
}

// New returns the VM subsystem for m, still in early-boot mode: frame
// requests are satisfied by stealing until Bootstrap runs.
func New(m *machine.Machine) *VM {
	return &VM{
		machine: m,
		frames:  coremap.New(m),
	}
}

// Bootstrap initializes the frame allocator. Called exactly once at kernel
// start, before any user process exists.
func (k *VM) Bootstrap() {
	k.frames.Bootstrap()
	log.Infof("vm: bootstrap complete, %d frames free", k.frames.FreeFrames())
}

// SetCurrent installs the current-address-space accessor.
func (k *VM) SetCurrent(fn func() *addrspace.AddressSpace) {
	k.current = fn
}

// NewAddressSpace returns an empty address space backed by this
// subsystem's frame allocator.
func (k *VM) NewAddressSpace() *addrspace.AddressSpace {
	return addrspace.New(k.frames)
}

// Frames returns the frame allocator.
func (k *VM) Frames() *coremap.Allocator {
	return k.frames
}

// Machine returns the underlying machine.
func (k *VM) Machine() *machine.Machine {
	return k.machine
}

// Fault handles one TLB miss or protection trap at va. On success the
// translation has been installed and the trap layer retries the faulting
// instruction; on failure the returned error terminates the process.
func (k *VM) Fault(kind mips.FaultKind, va mips.VAddr) error {
	va = va.RoundDown()

	var as *addrspace.AddressSpace
	if k.current != nil {
		as = k.current()
	}
	if as == nil {
		// A pure kernel context took a user-level fault; that is a bug
		// in the caller, reported like any other bad address.
		log.Warningf("vm: %v fault at %#x with no address space", kind, va)
		return linuxerr.EFAULT
	}

	writable, ok := as.Classify(va)
	if !ok {
		log.Warningf("vm: %v fault at %#x outside every region", kind, va)
		return linuxerr.EFAULT
	}
	if kind == mips.FaultReadonly && !writable {
		log.Warningf("vm: write to read-only page at %#x", va)
		return linuxerr.EFAULT
	}

	pa, err := as.EnsureMapped(va)
	if err != nil {
		log.Debugf("vm: fault at %#x: %v", va, err)
		return err
	}

	ehi := uint32(va)
	elo := uint32(pa) | machine.EntryLoValid
	if writable {
		elo |= machine.EntryLoDirty
	}

	// Install with interrupts off so a timer-driven context switch cannot
	// observe a half-written slot.
	m := k.machine
	spl := m.SplHigh()
	defer m.Splx(spl)

	for i := 0; i < machine.NumTLB; i++ {
		if _, lo := m.TLBRead(i); lo&machine.EntryLoValid == 0 {
			m.TLBWrite(ehi, elo, i)
			return nil
		}
	}

	// TLB full: evict a pseudo-random victim. The TLB is a small cache
	// that is cheaply refillable from the page table, so the policy only
	// needs to be unbiased, not optimal.
	m.TLBWrite(ehi, elo, rand.Intn(machine.NumTLB))
	return nil
}

// TLBShootdownAll would invalidate translations on other cores. This is a
// single-core design; reaching it is a bug.
func (k *VM) TLBShootdownAll() {
	panic("vm: TLB shootdown on a single-core machine")
}

// TLBShootdown is TLBShootdownAll for a single translation.
func (k *VM) TLBShootdown(va mips.VAddr) {
	panic("vm: TLB shootdown on a single-core machine")
}
