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

// Package addrspace implements per-process address spaces: a region table
// describing the process's memory layout and permissions, a two-level page
// table mapping virtual pages to physical frames, and the heap and stack
// bounds. The TLB caches these mappings; the fault handler consults this
// package on every miss.
package addrspace

import (
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/teal-os/teal/pkg/coremap"
	"github.com/teal-os/teal/pkg/mips"
)

// DefaultStackPages is the number of pages reserved below the top of user
// space by DefineStack.
const DefaultStackPages = 1

// Region is one contiguous virtual range with fixed permissions, typically
// one ELF segment. Regions are never mutated after definition; the owning
// address space's loading flag relaxes their write permission indirectly.
type Region struct {
	// Base is the page-aligned start of the range.
	Base mips.VAddr

	// NPages is the length of the range in pages.
	NPages uint32

	// Perms are the declared access permissions.
	Perms hostarch.AccessType
}

// End returns the first address above the region.
func (r *Region) End() mips.VAddr {
	return r.Base + mips.VAddr(r.NPages)*mips.PageSize
}

// contains returns true if va falls inside the region.
func (r *Region) contains(va mips.VAddr) bool {
	return va >= r.Base && va < r.End()
}

// l2Table is one second-level page table, covering 4 MiB of virtual
// address space. A zero slot means "not yet mapped": physical address 0
// lies inside the coremap's own reserved storage and is never a user
// frame, so 0 is unambiguous as a sentinel.
type l2Table [mips.PTLevelSize]mips.PAddr

// AddressSpace is the memory image of one process. Exactly one address
// space is active per running process and it is exclusively owned by that
// process; the surrounding process model guarantees at most one thread
// faults in it at a time, so no lock is taken here beyond the frame
// allocator's own.
type AddressSpace struct {
	frames *coremap.Allocator

	// regions holds the most recently defined region first. The heap
	// base is computed by the explicit max-region-end rule, so the order
	// is a documented artifact rather than load-bearing.
	regions []*Region

	// pt is the top-level page table. A nil slot means no L2 table has
	// been allocated for that 4 MiB range yet; L2 tables are allocated
	// lazily on first fault and freed only at Destroy.
	pt [mips.PTLevelSize]*l2Table

	heapBase mips.VAddr
	heapEnd  mips.VAddr

	// The stack occupies [stackEnd, stackBase) and grows downward.
	stackBase mips.VAddr
	stackEnd  mips.VAddr

	stackPages uint32

	// loading, while set, treats every region as writable so the loader
	// can fill nominally read-only text.
	loading bool
}

// New returns an empty address space: no regions, an empty page table, and
// zero heap and stack bounds.
func New(frames *coremap.Allocator) *AddressSpace {
	return &AddressSpace{
		frames:     frames,
		stackPages: DefaultStackPages,
	}
}

// SetStackSize overrides the number of pages DefineStack reserves.
// Must be called before DefineStack.
func (as *AddressSpace) SetStackSize(npages uint32) {
	if npages == 0 {
		panic("addrspace: zero-page stack")
	}
	as.stackPages = npages
}

// DefineRegion declares the range [va, va+size) with the given
// permissions, expanding it to page boundaries. If the new region ends
// above the current heap base, the heap is moved to start immediately
// after it; callers must define all static regions before first touching
// the heap.
func (as *AddressSpace) DefineRegion(va mips.VAddr, size uint32, perms hostarch.AccessType) error {
	// Page-align: expand the range to cover partial leading and trailing
	// bytes.
	size += va.PageOffset()
	va = va.RoundDown()
	size = (size + mips.PageSize - 1) &^ (mips.PageSize - 1)

	r := &Region{
		Base:   va,
		NPages: size / mips.PageSize,
		Perms:  perms,
	}
	if r.End() < r.Base {
		return linuxerr.EINVAL
	}

	as.regions = append([]*Region{r}, as.regions...)

	if end := r.End(); as.heapBase == 0 || end > as.heapBase {
		as.heapBase = end
		as.heapEnd = end
	}
	return nil
}

// DefineStack reserves the stack immediately below the top of user space
// and returns the initial stack pointer.
func (as *AddressSpace) DefineStack() (mips.VAddr, error) {
	as.stackBase = mips.UserSpaceTop
	as.stackEnd = as.stackBase - mips.VAddr(as.stackPages)*mips.PageSize
	return mips.UserSpaceTop, nil
}

// PrepareLoad brackets the start of executable loading: until CompleteLoad,
// faults treat every region as writable so the loader can fill read-only
// text.
func (as *AddressSpace) PrepareLoad() error {
	as.loading = true
	return nil
}

// CompleteLoad ends executable loading and flushes the TLB so no entry
// installed under the relaxed permissions survives.
func (as *AddressSpace) CompleteLoad() error {
	as.loading = false
	as.Activate()
	return nil
}

// Loading returns true while the address space is between PrepareLoad and
// CompleteLoad.
func (as *AddressSpace) Loading() bool {
	return as.loading
}

// Classify locates va in the address space. ok reports whether va is
// backed by any region, the heap, or the stack; writable reports whether a
// write to it is permitted. Heap and stack are always writable; a region
// is writable if declared so or while the image is loading.
func (as *AddressSpace) Classify(va mips.VAddr) (writable, ok bool) {
	for _, r := range as.regions {
		if r.contains(va) {
			return r.Perms.Write || as.loading, true
		}
	}
	if va >= as.heapBase && va < as.heapEnd {
		return true, true
	}
	if va >= as.stackEnd && va < as.stackBase {
		return true, true
	}
	return false, false
}

// Translation returns the frame mapped at va's page, if any. It never
// modifies the page table.
func (as *AddressSpace) Translation(va mips.VAddr) (mips.PAddr, bool) {
	l2 := as.pt[va.L1Index()]
	if l2 == nil {
		return 0, false
	}
	pa := l2[va.L2Index()]
	return pa, pa != 0
}

// EnsureMapped returns the frame backing va's page, allocating the L2
// table and, on the page's first touch, a zeroed frame. A newly faulted-in
// page never leaks a previous tenant's bytes. Returns ENOMEM if no frame
// is free.
func (as *AddressSpace) EnsureMapped(va mips.VAddr) (mips.PAddr, error) {
	l2 := as.pt[va.L1Index()]
	if l2 == nil {
		l2 = new(l2Table)
		as.pt[va.L1Index()] = l2
	}

	pa := l2[va.L2Index()]
	if pa == 0 {
		pa = as.frames.AllocPage()
		if pa == 0 {
			return 0, linuxerr.ENOMEM
		}
		clear(as.frames.Machine().Frame(pa))
		l2[va.L2Index()] = pa
	}
	return pa, nil
}

// Copy deep-copies the address space for process duplication: the region
// table, heap and stack bounds, the loading flag, and a fresh frame with
// copied contents for every mapped page. On frame exhaustion the partial
// copy is torn down and ENOMEM returned; the caller never sees a
// half-built address space.
func (as *AddressSpace) Copy() (*AddressSpace, error) {
	nas := New(as.frames)
	nas.stackPages = as.stackPages

	nas.regions = make([]*Region, len(as.regions))
	for i, r := range as.regions {
		nr := *r
		nas.regions[i] = &nr
	}

	nas.heapBase = as.heapBase
	nas.heapEnd = as.heapEnd
	nas.stackBase = as.stackBase
	nas.stackEnd = as.stackEnd
	nas.loading = as.loading

	m := as.frames.Machine()
	for i, l2 := range as.pt {
		if l2 == nil {
			continue
		}
		nl2 := new(l2Table)
		nas.pt[i] = nl2
		for j, pa := range l2 {
			if pa == 0 {
				continue
			}
			npa := as.frames.AllocPage()
			if npa == 0 {
				nas.Destroy()
				return nil, linuxerr.ENOMEM
			}
			copy(m.Frame(npa), m.Frame(pa))
			nl2[j] = npa
		}
	}
	return nas, nil
}

// Destroy releases everything the address space owns: every mapped frame,
// every L2 table, and the region table. The caller must flush the TLB
// first if this is the active address space.
func (as *AddressSpace) Destroy() {
	for i, l2 := range as.pt {
		if l2 == nil {
			continue
		}
		for _, pa := range l2 {
			if pa != 0 {
				as.frames.FreePage(pa)
			}
		}
		as.pt[i] = nil
	}
	as.regions = nil
}

// Activate makes this the address space the TLB describes by invalidating
// every slot; future faults rebuild the cache lazily. A full flush is
// deliberate: this is a single-core design and the TLB is cheaply
// refillable from the page table.
func (as *AddressSpace) Activate() {
	m := as.frames.Machine()
	spl := m.SplHigh()
	m.TLBInvalidateAll()
	m.Splx(spl)
}

// Deactivate is called when the address space stops being current. Nothing
// to do: Activate on the next space does the flush.
func (as *AddressSpace) Deactivate() {
}

// Sbrk applies a signed delta to the heap break and returns the previous
// break. A zero delta reports the current break. Shrinking below the heap
// base fails with EINVAL; growing to or past the bottom of the stack, or
// wrapping the address space, fails with ENOMEM. No pages are touched
// here; heap pages are allocated lazily on first access.
func (as *AddressSpace) Sbrk(delta int32) (mips.VAddr, error) {
	old := as.heapEnd
	if delta == 0 {
		return old, nil
	}

	newEnd := old + mips.VAddr(delta)
	if (delta > 0 && newEnd < old) || (delta < 0 && newEnd > old) {
		return 0, linuxerr.ENOMEM
	}
	if newEnd < as.heapBase {
		return 0, linuxerr.EINVAL
	}
	if newEnd >= as.stackEnd {
		return 0, linuxerr.ENOMEM
	}

	as.heapEnd = newEnd
	return old, nil
}

// Regions returns the region table, most recently defined first.
func (as *AddressSpace) Regions() []*Region {
	return as.regions
}

// HeapBase returns the bottom of the heap.
func (as *AddressSpace) HeapBase() mips.VAddr { return as.heapBase }

// HeapEnd returns the current heap break.
func (as *AddressSpace) HeapEnd() mips.VAddr { return as.heapEnd }

// StackBase returns the top of the stack region.
func (as *AddressSpace) StackBase() mips.VAddr { return as.stackBase }

// StackEnd returns the bottom of the stack region.
func (as *AddressSpace) StackEnd() mips.VAddr { return as.stackEnd }

// MappedPages returns the number of pages currently backed by a frame.
func (as *AddressSpace) MappedPages() uint32 {
	var n uint32
	for _, l2 := range as.pt {
		if l2 == nil {
			continue
		}
		for _, pa := range l2 {
			if pa != 0 {
				n++
			}
		}
	}
	return n
}
