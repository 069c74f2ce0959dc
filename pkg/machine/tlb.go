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

package machine

import (
	"fmt"

	"github.com/teal-os/teal/pkg/mips"
)

// The TLB is a pure cache of the page table: entries pair a virtual-page
// tag (EntryHi) with a physical frame plus valid and dirty bits (EntryLo).
// It can be flushed at any time without loss of information.
const (
	// NumTLB is the number of TLB slots.
	NumTLB = 64

	// EntryLoValid marks a slot as holding a usable translation.
	EntryLoValid = 0x00000200

	// EntryLoDirty marks a translation writable. Writes through a
	// translation without it raise a readonly fault.
	EntryLoDirty = 0x00000400

	// EntryHiVPage masks the virtual-page tag out of EntryHi.
	EntryHiVPage = 0xfffff000
)

type tlbEntry struct {
	hi uint32
	lo uint32
}

// InvalidHi returns the EntryHi written to slot i when it is invalidated.
// The tags live in kseg, where no user translation can ever match.
func InvalidHi(i int) uint32 {
	return mips.KSeg0Base + uint32(i)*mips.PageSize
}

func (m *Machine) checkTLBAccess(i int) {
	if m.spl != SplHighLevel {
		panic("machine: TLB access with interrupts enabled")
	}
	if i < 0 || i >= NumTLB {
		panic(fmt.Sprintf("machine: TLB slot %d out of range", i))
	}
}

// TLBRead returns the contents of TLB slot i. Interrupts must be off.
func (m *Machine) TLBRead(i int) (hi, lo uint32) {
	m.checkTLBAccess(i)
	return m.tlb[i].hi, m.tlb[i].lo
}

// TLBWrite stores a translation into TLB slot i. Interrupts must be off.
func (m *Machine) TLBWrite(hi, lo uint32, i int) {
	m.checkTLBAccess(i)
	m.tlb[i] = tlbEntry{hi: hi, lo: lo}
}

// TLBProbe returns the slot whose valid tag matches the virtual page of hi,
// or -1 if no slot matches. Interrupts must be off.
func (m *Machine) TLBProbe(hi uint32) int {
	m.checkTLBAccess(0)
	for i := range m.tlb {
		if m.tlb[i].lo&EntryLoValid != 0 && m.tlb[i].hi&EntryHiVPage == hi&EntryHiVPage {
			return i
		}
	}
	return -1
}

// TLBInvalidateAll clears every slot. Interrupts must be off.
func (m *Machine) TLBInvalidateAll() {
	m.checkTLBAccess(0)
	for i := range m.tlb {
		m.tlb[i] = tlbEntry{hi: InvalidHi(i), lo: 0}
	}
}

func (m *Machine) resetTLB() {
	for i := range m.tlb {
		m.tlb[i] = tlbEntry{hi: InvalidHi(i), lo: 0}
	}
}
