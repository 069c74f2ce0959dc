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

// Package machine models the hardware the VM subsystem runs on: a bank of
// physical RAM with the boot-time frame-steal primitive, the MIPS
// translation lookaside buffer, and the processor interrupt level used to
// bracket TLB updates.
package machine

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/teal-os/teal/pkg/mips"
)

// Machine is one simulated single-core MIPS machine. The zero value is not
// usable; call New.
type Machine struct {
	ram []byte

	// firstFree is the boundary below which RAM is occupied by the boot
	// loader, exception vectors and kernel image. Frames below it are
	// never handed out.
	firstFree mips.PAddr

	// stealNext is the next address StealFrames will return. Stealing is
	// monotonic and stolen frames are never reclaimed.
	stealNext mips.PAddr

	// handedOff is set once FirstFree has been consumed by the frame
	// allocator's bootstrap. Stealing afterward is a caller bug.
	handedOff bool

	// splMu serializes spl-high critical sections; it stands in for the
	// hardware's local interrupt masking on a single core.
	splMu sync.Mutex
	spl   int

	tlb [NumTLB]tlbEntry
}

// Interrupt levels.
const (
	// SplZero is the normal running level, all interrupts enabled.
	SplZero = 0

	// SplHighLevel masks all interrupts.
	SplHighLevel = 1
)

// New returns a machine with size bytes of RAM of which the first firstFree
// bytes are occupied by boot-time state. Both must be page-aligned and
// firstFree must leave at least one usable frame.
func New(size, firstFree mips.PAddr) (*Machine, error) {
	if !size.IsPageAligned() || !firstFree.IsPageAligned() {
		return nil, fmt.Errorf("machine: RAM size %#x and first-free boundary %#x must be page-aligned", size, firstFree)
	}
	if firstFree == 0 || firstFree+mips.PageSize > size {
		return nil, fmt.Errorf("machine: first-free boundary %#x leaves no usable RAM below %#x", firstFree, size)
	}
	m := &Machine{
		ram:       make([]byte, size),
		firstFree: firstFree,
		stealNext: firstFree,
	}
	m.resetTLB()
	return m, nil
}

// Size returns the total amount of physical RAM.
func (m *Machine) Size() mips.PAddr {
	return mips.PAddr(len(m.ram))
}

// FirstFree returns the first physical address not yet claimed by boot-time
// stealing.
func (m *Machine) FirstFree() mips.PAddr {
	return m.stealNext
}

// RetireSteal hands the remaining RAM to the frame allocator. StealFrames
// must not be used again afterward.
func (m *Machine) RetireSteal() {
	m.handedOff = true
}

// StealFrames grabs npages contiguous frames from the bottom of unmanaged
// RAM. It returns the physical address of the first frame, or 0 if RAM is
// exhausted. Only usable before FirstFree hands the remaining RAM to the
// frame allocator.
func (m *Machine) StealFrames(npages uint32) mips.PAddr {
	if m.handedOff {
		panic("machine: StealFrames called after RAM was handed to the frame allocator")
	}
	size := mips.PAddr(npages) * mips.PageSize
	if size == 0 || m.stealNext+size > m.Size() || m.stealNext+size < m.stealNext {
		return 0
	}
	pa := m.stealNext
	m.stealNext += size
	return pa
}

// Frame returns the contents of the frame at physical address pa. This is
// the simulation's equivalent of dereferencing the kseg0 mapping of pa.
func (m *Machine) Frame(pa mips.PAddr) []byte {
	if !pa.IsPageAligned() {
		panic(fmt.Sprintf("machine: Frame(%#x): not frame-aligned", pa))
	}
	if uint32(pa)+mips.PageSize > uint32(len(m.ram)) {
		panic(fmt.Sprintf("machine: Frame(%#x): beyond end of RAM (%#x)", pa, len(m.ram)))
	}
	return m.ram[pa : pa+mips.PageSize]
}

// SplHigh raises the interrupt level, returning the previous level for
// Splx. Sections do not nest; the VM subsystem never faults or switches
// address spaces while already at spl-high.
func (m *Machine) SplHigh() int {
	m.splMu.Lock()
	old := m.spl
	m.spl = SplHighLevel
	return old
}

// Splx restores the interrupt level saved by SplHigh.
func (m *Machine) Splx(old int) {
	m.spl = old
	m.splMu.Unlock()
}
