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

// Package coremap implements the physical frame allocator. One entry per
// frame records whether the frame is free and, on the first frame of a
// multi-frame run, the length of the run. Before Bootstrap the allocator
// falls back to the machine's boot-time steal primitive.
package coremap

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/teal-os/teal/pkg/machine"
	"github.com/teal-os/teal/pkg/mips"
)

// entrySize is the per-frame bookkeeping cost charged against RAM when the
// table's own storage is reserved at bootstrap.
const entrySize = 8

// entry describes one physical frame.
//
// Invariant: a free entry has runLength == 0. An allocated frame has
// runLength == n on the first frame of an n-frame run and runLength == 0 on
// the run's interior frames.
type entry struct {
	free      bool
	runLength uint32
}

// Allocator tracks every physical frame above the managed boundary. Entries
// are never exposed; all access goes through the methods below, which
// serialize on one allocator-wide mutex.
type Allocator struct {
	machine *machine.Machine

	mu sync.Mutex

	// entries is allocated once by Bootstrap and never resized. nil means
	// the allocator is still in early-boot mode.
	entries []entry

	// firstPAddr is the physical address of frame 0 of the managed range,
	// immediately above the frames reserved for the table itself. Frame 0
	// of user allocations therefore never has physical address 0, which
	// lets 0 serve as the unmapped sentinel in page tables.
	firstPAddr mips.PAddr

	tableFrames uint32

	totalFrames uint32
	freeFrames  atomicbitops.Uint32
}

// New returns an allocator for m's RAM, still in early-boot mode: until
// Bootstrap runs, single-frame and contiguous allocations are satisfied by
// stealing and can never be freed.
func New(m *machine.Machine) *Allocator {
	return &Allocator{machine: m}
}

// Bootstrapped returns true once Bootstrap has run.
func (a *Allocator) Bootstrapped() bool {
	return a.entries != nil
}

// Bootstrap sizes the frame table to cover all RAM above the boot-time
// boundary, reserves the table's own storage at the very start of that
// range, and marks every remaining frame free. It must be called exactly
// once, before any user process exists.
func (a *Allocator) Bootstrap() {
	if a.Bootstrapped() {
		panic("coremap: Bootstrap called twice")
	}

	hi := a.machine.Size().RoundDown()
	lo, ok := a.machine.FirstFree().RoundUp()
	if !ok || lo >= hi {
		panic("coremap: no usable RAM above the boot-time boundary")
	}

	totalRAMPages := uint32(hi-lo) / mips.PageSize
	tableBytes := totalRAMPages * entrySize
	tableFrames := (tableBytes + mips.PageSize - 1) / mips.PageSize

	// The table does not exist yet, so its storage is stolen rather than
	// allocated. After this the steal primitive is retired for good.
	if a.machine.StealFrames(tableFrames) == 0 {
		panic("coremap: not enough RAM for the frame table")
	}
	a.machine.RetireSteal()

	a.firstPAddr = lo + mips.PAddr(tableFrames)*mips.PageSize
	a.tableFrames = tableFrames
	a.totalFrames = uint32(hi-a.firstPAddr) / mips.PageSize
	if a.totalFrames == 0 {
		panic("coremap: frame table consumed all usable RAM")
	}

	a.entries = make([]entry, a.totalFrames)
	for i := range a.entries {
		a.entries[i].free = true
	}
	a.freeFrames.Store(a.totalFrames)

	log.Infof("coremap: managing %d frames of %d bytes at [%#x, %#x), table in %d reserved frames at %#x",
		a.totalFrames, mips.PageSize, a.firstPAddr, hi, tableFrames, lo)
}

// AllocPage allocates one frame and returns its physical address, or 0 if
// no frame is free. Before Bootstrap it delegates to the steal primitive.
func (a *Allocator) AllocPage() mips.PAddr {
	if !a.Bootstrapped() {
		return a.machine.StealFrames(1)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.entries {
		if !a.entries[i].free {
			continue
		}
		a.entries[i].free = false
		a.entries[i].runLength = 1
		a.freeFrames.Add(^uint32(0))
		return a.frameAddr(uint32(i))
	}

	log.Debugf("coremap: out of frames")
	return 0
}

// FreePage returns the frame at pa to the free pool. pa must have come from
// AllocPage; freeing a frame inside a multi-frame run or an already-free
// frame is a fatal caller bug. Frames stolen before Bootstrap are never
// reclaimed, so freeing in early-boot mode is a no-op.
func (a *Allocator) FreePage(pa mips.PAddr) {
	if !a.Bootstrapped() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.frameIndex(pa)
	if a.entries[i].runLength != 1 {
		panic(fmt.Sprintf("coremap: FreePage(%#x): run length %d, want 1", pa, a.entries[i].runLength))
	}
	a.entries[i].free = true
	a.entries[i].runLength = 0
	a.freeFrames.Add(1)
}

// AllocKPages allocates npages contiguous frames and returns the kseg0
// virtual address of the first, or 0 if no run of that length is free
// anywhere. There is no compaction; a fragmented table can fail even when
// enough individual frames remain.
func (a *Allocator) AllocKPages(npages uint32) mips.VAddr {
	if npages == 0 {
		panic("coremap: AllocKPages(0)")
	}
	if !a.Bootstrapped() {
		pa := a.machine.StealFrames(npages)
		if pa == 0 {
			return 0
		}
		return mips.KVAddrForPAddr(pa)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint32(0); i < a.totalFrames; i++ {
		if !a.entries[i].free {
			continue
		}
		runOK := true
		for j := uint32(0); j < npages; j++ {
			if i+j >= a.totalFrames || !a.entries[i+j].free {
				runOK = false
				break
			}
		}
		if !runOK {
			continue
		}

		a.entries[i].free = false
		a.entries[i].runLength = npages
		for j := uint32(1); j < npages; j++ {
			a.entries[i+j].free = false
			a.entries[i+j].runLength = 0
		}
		a.freeFrames.Add(-npages)
		return mips.KVAddrForPAddr(a.frameAddr(i))
	}

	log.Debugf("coremap: no free run of %d frames", npages)
	return 0
}

// FreeKPages frees the contiguous run previously returned by AllocKPages.
// kva must be the exact address AllocKPages returned; the recorded run
// length determines how many frames are released.
func (a *Allocator) FreeKPages(kva mips.VAddr) {
	if !a.Bootstrapped() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.frameIndex(mips.PAddrForKVAddr(kva))
	n := a.entries[i].runLength
	if n == 0 {
		panic(fmt.Sprintf("coremap: FreeKPages(%#x): not the start of an allocated run", kva))
	}
	for j := uint32(0); j < n; j++ {
		a.entries[i+j].free = true
		a.entries[i+j].runLength = 0
	}
	a.freeFrames.Add(n)
}

// TotalFrames returns the number of frames managed by the table.
func (a *Allocator) TotalFrames() uint32 {
	return a.totalFrames
}

// FreeFrames returns the number of currently free frames.
func (a *Allocator) FreeFrames() uint32 {
	return a.freeFrames.Load()
}

// TableFrames returns the number of frames reserved for the table itself.
func (a *Allocator) TableFrames() uint32 {
	return a.tableFrames
}

// FirstManaged returns the physical address of the first managed frame.
func (a *Allocator) FirstManaged() mips.PAddr {
	return a.firstPAddr
}

// Machine returns the machine whose RAM this allocator manages.
func (a *Allocator) Machine() *machine.Machine {
	return a.machine
}

func (a *Allocator) frameAddr(i uint32) mips.PAddr {
	return a.firstPAddr + mips.PAddr(i)*mips.PageSize
}

// frameIndex validates that pa lies in the managed range and returns its
// table index. Preconditions: a.mu is locked, Bootstrap has run.
func (a *Allocator) frameIndex(pa mips.PAddr) uint32 {
	if pa < a.firstPAddr {
		panic(fmt.Sprintf("coremap: address %#x below managed range start %#x", pa, a.firstPAddr))
	}
	i := uint32(pa-a.firstPAddr) / mips.PageSize
	if i >= a.totalFrames {
		panic(fmt.Sprintf("coremap: address %#x beyond managed range", pa))
	}
	return i
}
