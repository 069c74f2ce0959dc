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

package addrspace

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/teal-os/teal/pkg/coremap"
	"github.com/teal-os/teal/pkg/machine"
	"github.com/teal-os/teal/pkg/mips"
)

func newFrames(t *testing.T) *coremap.Allocator {
	t.Helper()
	m, err := machine.New(0x100000, 0x20000)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	a := coremap.New(m)
	a.Bootstrap()
	return a
}

func TestDefineRegionAlignment(t *testing.T) {
	for _, test := range []struct {
		name       string
		va         mips.VAddr
		size       uint32
		wantBase   mips.VAddr
		wantNPages uint32
	}{
		{name: "aligned", va: 0x400000, size: 2 * mips.PageSize, wantBase: 0x400000, wantNPages: 2},
		{name: "partial leading bytes", va: 0x400123, size: mips.PageSize, wantBase: 0x400000, wantNPages: 2},
		{name: "partial trailing bytes", va: 0x400000, size: mips.PageSize + 1, wantBase: 0x400000, wantNPages: 2},
		{name: "sub-page", va: 0x400fff, size: 2, wantBase: 0x400000, wantNPages: 2},
	} {
		as := New(newFrames(t))
		if err := as.DefineRegion(test.va, test.size, hostarch.ReadWrite); err != nil {
			t.Errorf("%s: DefineRegion: %v", test.name, err)
			continue
		}
		r := as.Regions()[0]
		if r.Base != test.wantBase || r.NPages != test.wantNPages {
			t.Errorf("%s: region = [%#x, +%d pages), want [%#x, +%d pages)",
				test.name, r.Base, r.NPages, test.wantBase, test.wantNPages)
		}
		if as.HeapBase() != r.End() || as.HeapEnd() != r.End() {
			t.Errorf("%s: heap = [%#x, %#x), want empty heap at %#x",
				test.name, as.HeapBase(), as.HeapEnd(), r.End())
		}
	}
}

func TestHeapBaseTracksHighestRegion(t *testing.T) {
	as := New(newFrames(t))

	// Regions defined out of address order: the heap must end up above
	// the highest-addressed one, not the most recent one.
	if err := as.DefineRegion(0x500000, mips.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	if err := as.DefineRegion(0x400000, mips.PageSize, hostarch.AccessType{Read: true, Execute: true}); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}

	if want := mips.VAddr(0x501000); as.HeapBase() != want || as.HeapEnd() != want {
		t.Errorf("heap = [%#x, %#x), want both %#x", as.HeapBase(), as.HeapEnd(), want)
	}

	// Most recently defined region is the list head.
	if got := as.Regions()[0].Base; got != 0x400000 {
		t.Errorf("head region base = %#x, want 0x400000", got)
	}
}

func TestDefineStack(t *testing.T) {
	as := New(newFrames(t))
	sp, err := as.DefineStack()
	if err != nil {
		t.Fatalf("DefineStack: %v", err)
	}
	if sp != mips.UserSpaceTop {
		t.Errorf("initial stack pointer = %#x, want %#x", sp, mips.VAddr(mips.UserSpaceTop))
	}
	if as.StackBase() != mips.UserSpaceTop || as.StackEnd() != mips.UserSpaceTop-mips.PageSize {
		t.Errorf("stack = [%#x, %#x), want one page below %#x", as.StackEnd(), as.StackBase(), mips.VAddr(mips.UserSpaceTop))
	}

	as2 := New(newFrames(t))
	as2.SetStackSize(4)
	if _, err := as2.DefineStack(); err != nil {
		t.Fatalf("DefineStack: %v", err)
	}
	if got, want := as2.StackEnd(), mips.VAddr(mips.UserSpaceTop-4*mips.PageSize); got != want {
		t.Errorf("stack end with 4 pages = %#x, want %#x", got, want)
	}
}

func TestSbrk(t *testing.T) {
	newSpace := func(t *testing.T) *AddressSpace {
		as := New(newFrames(t))
		if err := as.DefineRegion(0x400000, 2*mips.PageSize, hostarch.ReadWrite); err != nil {
			t.Fatalf("DefineRegion: %v", err)
		}
		if _, err := as.DefineStack(); err != nil {
			t.Fatalf("DefineStack: %v", err)
		}
		return as
	}

	t.Run("zero delta returns current break", func(t *testing.T) {
		as := newSpace(t)
		old, err := as.Sbrk(0)
		if err != nil || old != 0x402000 {
			t.Errorf("Sbrk(0) = (%#x, %v), want (0x402000, nil)", old, err)
		}
	})

	t.Run("grow and shrink", func(t *testing.T) {
		as := newSpace(t)
		old, err := as.Sbrk(3 * mips.PageSize)
		if err != nil || old != 0x402000 {
			t.Fatalf("Sbrk(grow) = (%#x, %v)", old, err)
		}
		if got := as.HeapEnd(); got != 0x405000 {
			t.Fatalf("heap end after grow = %#x, want 0x405000", got)
		}
		old, err = as.Sbrk(-2 * mips.PageSize)
		if err != nil || old != 0x405000 {
			t.Fatalf("Sbrk(shrink) = (%#x, %v)", old, err)
		}
		if got := as.HeapEnd(); got != 0x403000 {
			t.Errorf("heap end after shrink = %#x, want 0x403000", got)
		}
	})

	t.Run("shrink below base", func(t *testing.T) {
		as := newSpace(t)
		if _, err := as.Sbrk(-mips.PageSize); err != linuxerr.EINVAL {
			t.Errorf("Sbrk below heap base: err = %v, want EINVAL", err)
		}
		if got := as.HeapEnd(); got != 0x402000 {
			t.Errorf("heap end changed by failed Sbrk: %#x", got)
		}
	})

	t.Run("grow into stack", func(t *testing.T) {
		as := newSpace(t)
		delta := int32(as.StackEnd() - as.HeapEnd())
		if _, err := as.Sbrk(delta); err != linuxerr.ENOMEM {
			t.Errorf("Sbrk to stack end: err = %v, want ENOMEM", err)
		}
		if got := as.HeapEnd(); got != 0x402000 {
			t.Errorf("heap end changed by failed Sbrk: %#x", got)
		}
	})
}

func TestClassify(t *testing.T) {
	as := New(newFrames(t))
	if err := as.DefineRegion(0x400000, mips.PageSize, hostarch.AccessType{Read: true, Execute: true}); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	if err := as.DefineRegion(0x500000, mips.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	if _, err := as.DefineStack(); err != nil {
		t.Fatalf("DefineStack: %v", err)
	}
	if _, err := as.Sbrk(mips.PageSize); err != nil {
		t.Fatalf("Sbrk: %v", err)
	}

	for _, test := range []struct {
		name         string
		va           mips.VAddr
		wantWritable bool
		wantOK       bool
	}{
		{name: "text", va: 0x400010, wantWritable: false, wantOK: true},
		{name: "data", va: 0x500010, wantWritable: true, wantOK: true},
		{name: "heap", va: 0x501000, wantWritable: true, wantOK: true},
		{name: "above heap break", va: 0x502000, wantOK: false},
		{name: "stack", va: mips.UserSpaceTop - 1, wantWritable: true, wantOK: true},
		{name: "below stack", va: mips.UserSpaceTop - 2*mips.PageSize, wantOK: false},
		{name: "nowhere", va: 0x10000000, wantOK: false},
	} {
		writable, ok := as.Classify(test.va)
		if writable != test.wantWritable || ok != test.wantOK {
			t.Errorf("%s: Classify(%#x) = (%t, %t), want (%t, %t)",
				test.name, test.va, writable, ok, test.wantWritable, test.wantOK)
		}
	}

	// While loading, even text is writable.
	if err := as.PrepareLoad(); err != nil {
		t.Fatalf("PrepareLoad: %v", err)
	}
	if writable, ok := as.Classify(0x400010); !writable || !ok {
		t.Errorf("Classify(text) while loading = (%t, %t), want (true, true)", writable, ok)
	}
	if err := as.CompleteLoad(); err != nil {
		t.Fatalf("CompleteLoad: %v", err)
	}
	if writable, _ := as.Classify(0x400010); writable {
		t.Errorf("text still writable after CompleteLoad")
	}
}

func TestEnsureMappedFirstTouch(t *testing.T) {
	frames := newFrames(t)
	as := New(frames)
	free := frames.FreeFrames()

	pa, err := as.EnsureMapped(0x400000)
	if err != nil {
		t.Fatalf("EnsureMapped: %v", err)
	}
	if pa == 0 {
		t.Fatalf("EnsureMapped returned the unmapped sentinel")
	}
	if got := frames.FreeFrames(); got != free-1 {
		t.Errorf("first touch consumed %d frames, want 1", free-got)
	}

	// Second touch is idempotent.
	pa2, err := as.EnsureMapped(0x400123)
	if err != nil || pa2 != pa {
		t.Errorf("repeat EnsureMapped = (%#x, %v), want (%#x, nil)", pa2, err, pa)
	}
	if got := frames.FreeFrames(); got != free-1 {
		t.Errorf("repeat touch consumed frames: %d free, want %d", got, free-1)
	}
}

func TestCopyIsolation(t *testing.T) {
	frames := newFrames(t)
	m := frames.Machine()
	as := New(frames)

	if err := as.DefineRegion(0x400000, 2*mips.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	if _, err := as.DefineStack(); err != nil {
		t.Fatalf("DefineStack: %v", err)
	}

	pa, err := as.EnsureMapped(0x400000)
	if err != nil {
		t.Fatalf("EnsureMapped: %v", err)
	}
	copy(m.Frame(pa), []byte("original contents"))

	nas, err := as.Copy()
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	// Metadata is duplicated exactly.
	if diff := cmp.Diff(as.Regions(), nas.Regions()); diff != "" {
		t.Errorf("region table mismatch (-old +new):\n%s", diff)
	}
	if nas.HeapBase() != as.HeapBase() || nas.HeapEnd() != as.HeapEnd() ||
		nas.StackBase() != as.StackBase() || nas.StackEnd() != as.StackEnd() {
		t.Errorf("heap/stack bounds not copied")
	}

	npa, ok := nas.Translation(0x400000)
	if !ok {
		t.Fatalf("copy has no translation for 0x400000")
	}
	if npa == pa {
		t.Fatalf("copy shares frame %#x with the original", pa)
	}
	if !bytes.Equal(m.Frame(npa)[:17], []byte("original contents")) {
		t.Errorf("copied frame contents differ")
	}

	// Writes through one space are invisible through the other.
	copy(m.Frame(pa), []byte("scribbled by old!"))
	if !bytes.Equal(m.Frame(npa)[:17], []byte("original contents")) {
		t.Errorf("write through original visible in copy")
	}
	copy(m.Frame(npa), []byte("scribbled by new!"))
	if !bytes.Equal(m.Frame(pa)[:17], []byte("scribbled by old!")) {
		t.Errorf("write through copy visible in original")
	}
}

func TestCopyOutOfMemory(t *testing.T) {
	// A machine with very little RAM: the original can map pages but the
	// copy must run out partway through and tear itself down.
	m, err := machine.New(0x28000, 0x20000)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	frames := coremap.New(m)
	frames.Bootstrap()

	as := New(frames)
	if err := as.DefineRegion(0x400000, 16*mips.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}

	for va := mips.VAddr(0x400000); ; va += mips.PageSize {
		if _, err := as.EnsureMapped(va); err != nil {
			break
		}
	}
	if frames.FreeFrames() != 0 {
		t.Fatalf("expected full exhaustion, %d frames free", frames.FreeFrames())
	}

	before := frames.FreeFrames()
	nas, err := as.Copy()
	if err != linuxerr.ENOMEM {
		t.Fatalf("Copy on exhausted allocator = (%v, %v), want ENOMEM", nas, err)
	}
	if got := frames.FreeFrames(); got != before {
		t.Errorf("failed Copy leaked frames: %d free, want %d", got, before)
	}
}

func TestDestroyReturnsEveryFrame(t *testing.T) {
	frames := newFrames(t)
	as := New(frames)
	before := frames.FreeFrames()

	if err := as.DefineRegion(0x400000, 8*mips.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	for va := mips.VAddr(0x400000); va < 0x408000; va += mips.PageSize {
		if _, err := as.EnsureMapped(va); err != nil {
			t.Fatalf("EnsureMapped(%#x): %v", va, err)
		}
	}
	// Touch a second L1 slot too.
	if _, err := as.EnsureMapped(0x800000); err != nil {
		t.Fatalf("EnsureMapped(0x800000): %v", err)
	}
	if got := frames.FreeFrames(); got != before-9 {
		t.Fatalf("FreeFrames = %d, want %d", got, before-9)
	}

	as.Destroy()
	if got := frames.FreeFrames(); got != before {
		t.Errorf("FreeFrames after Destroy = %d, want %d", got, before)
	}
	if as.MappedPages() != 0 {
		t.Errorf("MappedPages after Destroy = %d, want 0", as.MappedPages())
	}
}
