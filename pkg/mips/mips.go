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

// Package mips defines address types and memory-layout constants for the
// simulated 32-bit MIPS machine: page geometry, the kseg0 direct-mapped
// kernel segment, the user address-space bounds, and the bit layout of the
// two-level page table.
package mips

const (
	// PageSize is the size of a physical frame and of a virtual page.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// PageFrameMask masks off the in-page offset of an address.
	PageFrameMask = 0xfffff000

	// KSeg0Base is the base of the direct-mapped kernel segment. Physical
	// address p is visible to the kernel at virtual address KSeg0Base+p.
	KSeg0Base = 0x80000000

	// UserSpaceTop is the first address above user space. The user stack
	// grows downward from here.
	UserSpaceTop = 0x80000000
)

// Two-level page table layout:
//
//	vaddr:  | 31 ........ 22 | 21 ........ 12 | 11 ........ 0 |
//	        |   L1 index     |   L2 index     |  page offset  |
const (
	// PTLevelBits is the number of virtual-address bits consumed by each
	// table level.
	PTLevelBits = 10

	// PTLevelSize is the number of entries in an L1 or L2 table.
	PTLevelSize = 1 << PTLevelBits

	// PTIndexMask extracts a level index after shifting.
	PTIndexMask = PTLevelSize - 1

	// PTL1Shift and PTL2Shift position the L1 and L2 index fields.
	PTL1Shift = PageShift + PTLevelBits
	PTL2Shift = PageShift
)

// VAddr is a virtual address.
type VAddr uint32

// PAddr is a physical address.
type PAddr uint32

// RoundDown returns the address of the page containing v.
func (v VAddr) RoundDown() VAddr {
	return v & PageFrameMask
}

// RoundUp returns the smallest page-aligned address >= v. ok is false if
// rounding would wrap past the top of the address space.
func (v VAddr) RoundUp() (addr VAddr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	return addr, addr >= v
}

// PageOffset returns the offset of v within its page.
func (v VAddr) PageOffset() uint32 {
	return uint32(v) & (PageSize - 1)
}

// IsPageAligned returns true if v is page-aligned.
func (v VAddr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// L1Index returns the top-level page table index for v.
func (v VAddr) L1Index() uint32 {
	return (uint32(v) >> PTL1Shift) & PTIndexMask
}

// L2Index returns the second-level page table index for v.
func (v VAddr) L2Index() uint32 {
	return (uint32(v) >> PTL2Shift) & PTIndexMask
}

// RoundDown returns the address of the frame containing p.
func (p PAddr) RoundDown() PAddr {
	return p & PageFrameMask
}

// RoundUp returns the smallest frame-aligned address >= p. ok is false if
// rounding would wrap.
func (p PAddr) RoundUp() (addr PAddr, ok bool) {
	addr = (p + PageSize - 1).RoundDown()
	return addr, addr >= p
}

// IsPageAligned returns true if p is frame-aligned.
func (p PAddr) IsPageAligned() bool {
	return uint32(p)&(PageSize-1) == 0
}

// KVAddrForPAddr returns the kseg0 virtual address that direct-maps p.
func KVAddrForPAddr(p PAddr) VAddr {
	return VAddr(uint32(p) + KSeg0Base)
}

// PAddrForKVAddr returns the physical address direct-mapped at the kseg0
// virtual address v. It panics if v is not a kseg0 address.
func PAddrForKVAddr(v VAddr) PAddr {
	if uint32(v) < KSeg0Base {
		panic("PAddrForKVAddr: address not in kseg0")
	}
	return PAddr(uint32(v) - KSeg0Base)
}

// FaultKind describes the access that missed in the TLB or violated a
// translation's permissions.
type FaultKind int

const (
	// FaultRead is a read miss.
	FaultRead FaultKind = iota

	// FaultWrite is a write miss.
	FaultWrite

	// FaultReadonly is a write through a translation whose dirty bit is
	// clear, i.e. a write to a page mapped read-only.
	FaultReadonly
)

// String implements fmt.Stringer.String.
func (k FaultKind) String() string {
	switch k {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultReadonly:
		return "readonly"
	default:
		return "unknown"
	}
}
