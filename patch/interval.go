// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patch implements the patch-planning and code-relocation engine:
// free-interval bookkeeping, the patched-instruction map, moved-block
// planning with trampoline search, modification processing, the
// address-assembly fixpoint, and final byte emission.
package patch

import (
	"fmt"
	"sort"

	"github.com/go-binpatch/binpatch/asm"
	"github.com/go-binpatch/binpatch/binfile"
)

// ReachFlag tells which branch flavors can reach an interval from the
// original code sections.
type ReachFlag uint8

const (
	ReachNone   ReachFlag = 0
	ReachBranch ReachFlag = 1 << 0
	ReachRef    ReachFlag = 1 << 1
)

// Reserve is the reservation tag of an interval.
type Reserve uint8

const (
	ReserveNone Reserve = iota
	ReserveCode
	ReserveData
)

// Usage records what actually consumed an interval.
type Usage uint8

const (
	UsedNone Usage = iota
	UsedCode
	UsedData
	UsedIndirect
)

// Interval is one free region of the file's virtual address space.
type Interval struct {
	Addr     int64
	End      int64
	Reach    ReachFlag
	Reserved Reserve
	Used     Usage
}

// Size returns the interval's byte size.
func (iv *Interval) Size() int64 {
	return iv.End - iv.Addr
}

func (iv *Interval) String() string {
	return fmt.Sprintf("[%#x, %#x) reach=%d resv=%d used=%d", iv.Addr, iv.End, iv.Reach, iv.Reserved, iv.Used)
}

// IntervalStore keeps the ordered, pairwise-disjoint partition of the
// free address space.
type IntervalStore struct {
	ivs []*Interval

	remCode int64 // unconsumed bytes reserved for code
	remData int64 // unconsumed bytes reserved for data
}

// NewIntervalStore builds the store from the binfile's free-space map and
// the file's code geometry. codeLo/codeHi bound the loaded code sections;
// branchReach and refReach are the signed reaches of the direct branch
// and the memory-relative reference. codeSize and refDataSize drive the
// reservation strategy; the returned code is CodeOK or the
// oversubscription warning.
func NewIntervalStore(free []binfile.Range, codeLo, codeHi int64, branchReach, refReach asm.Reach, codeSize, refDataSize int64) (*IntervalStore, asm.Code) {
	st := &IntervalStore{}
	branchWin := window(codeLo, codeHi, branchReach)
	refWin := window(codeLo, codeHi, refReach)

	for _, r := range free {
		if r.End <= r.Addr {
			continue
		}
		iv := &Interval{Addr: r.Addr, End: r.End}
		if branchWin.covers(iv) {
			iv.Reach |= ReachBranch
		}
		if refWin.covers(iv) {
			iv.Reach |= ReachRef
		}
		st.ivs = append(st.ivs, iv)
	}
	sort.Slice(st.ivs, func(i, j int) bool { return st.ivs[i].Addr < st.ivs[j].Addr })

	code := st.reserve(2*codeSize, 2*refDataSize)
	return st, code
}

type win struct{ lo, hi int64 }

func window(codeLo, codeHi int64, r asm.Reach) win {
	return win{lo: codeLo + r.Min, hi: codeHi + r.Max}
}

// covers reports whether the whole interval lies inside the window.
func (w win) covers(iv *Interval) bool {
	return iv.Addr >= w.lo && iv.End <= w.hi
}

// reserve implements the reservation strategy: exact 2x estimates when
// both fit, otherwise every branch-reachable interval goes to code, every
// reference-only interval to data, with a warning.
func (st *IntervalStore) reserve(wantCode, wantData int64) asm.Code {
	var availBranch, availRef int64
	for _, iv := range st.ivs {
		if iv.Reach&ReachBranch != 0 {
			availBranch += iv.Size()
		}
		if iv.Reach&ReachRef != 0 {
			availRef += iv.Size()
		}
	}

	if wantCode <= availBranch && wantData <= availRef {
		// Data first from reference-only intervals, so that the exact
		// estimates can share the overlap region.
		left := wantData
		for _, pass := range []ReachFlag{ReachRef, ReachRef | ReachBranch} {
			for _, iv := range st.ivs {
				if left <= 0 {
					break
				}
				if iv.Reach != pass || iv.Reserved != ReserveNone {
					continue
				}
				left -= st.take(iv, left, ReserveData)
			}
		}
		leftCode := wantCode
		for _, iv := range st.ivs {
			if leftCode <= 0 {
				break
			}
			if iv.Reach&ReachBranch == 0 || iv.Reserved != ReserveNone {
				continue
			}
			leftCode -= st.take(iv, leftCode, ReserveCode)
		}
		if left <= 0 && leftCode <= 0 {
			st.remCode = wantCode
			st.remData = wantData
			return asm.CodeOK
		}
		// The overlap made one of the estimates miss; fall through.
		for _, iv := range st.ivs {
			iv.Reserved = ReserveNone
		}
	}

	for _, iv := range st.ivs {
		switch {
		case iv.Reach&ReachBranch != 0:
			iv.Reserved = ReserveCode
			st.remCode += iv.Size()
		case iv.Reach&ReachRef != 0:
			iv.Reserved = ReserveData
			st.remData += iv.Size()
		}
	}
	return asm.WarnReserveOversubscribed
}

// take reserves up to want bytes from iv, splitting if the interval is
// larger, and returns the amount reserved.
func (st *IntervalStore) take(iv *Interval, want int64, r Reserve) int64 {
	if iv.Size() > want {
		st.Split(iv, iv.Addr+want)
	}
	iv.Reserved = r
	return iv.Size()
}

// Intervals returns the store's intervals in address order.
func (st *IntervalStore) Intervals() []*Interval {
	return st.ivs
}

// RemainingCode is the unconsumed byte count reserved for code.
func (st *IntervalStore) RemainingCode() int64 { return st.remCode }

// RemainingData is the unconsumed byte count reserved for data.
func (st *IntervalStore) RemainingData() int64 { return st.remData }

// Split cuts iv at addr. The new interval [addr, iv.End) inherits the
// flags and is inserted after iv.
func (st *IntervalStore) Split(iv *Interval, addr int64) *Interval {
	if addr <= iv.Addr || addr >= iv.End {
		return iv
	}
	n := &Interval{Addr: addr, End: iv.End, Reach: iv.Reach, Reserved: iv.Reserved, Used: iv.Used}
	iv.End = addr
	i := st.index(iv)
	st.ivs = append(st.ivs, nil)
	copy(st.ivs[i+2:], st.ivs[i+1:])
	st.ivs[i+1] = n
	return n
}

// Merge fuses b into a. Only adjacent, same-reservation, both-unused
// intervals merge.
func (st *IntervalStore) Merge(a, b *Interval) bool {
	if a.End != b.Addr || a.Reserved != b.Reserved || a.Used != UsedNone || b.Used != UsedNone {
		return false
	}
	a.End = b.End
	a.Reach &= b.Reach
	i := st.index(b)
	st.ivs = append(st.ivs[:i], st.ivs[i+1:]...)
	return true
}

func (st *IntervalStore) index(iv *Interval) int {
	i := sort.Search(len(st.ivs), func(i int) bool { return st.ivs[i].Addr >= iv.Addr })
	if i < len(st.ivs) && st.ivs[i] == iv {
		return i
	}
	return -1
}

// FindFit returns the first unused interval satisfying the reach and
// reservation predicates that can hold size bytes at the given alignment,
// split down to exactly the consumed range and marked with use. The
// second return value is the aligned placement address inside it.
func (st *IntervalStore) FindFit(size int64, align int64, reach ReachFlag, reserved Reserve, use Usage) (*Interval, int64) {
	if size <= 0 {
		return nil, 0
	}
	if align <= 0 {
		align = 1
	}
	for _, iv := range st.ivs {
		if iv.Used != UsedNone {
			continue
		}
		if reach != ReachNone && iv.Reach&reach != reach {
			continue
		}
		if reserved != ReserveNone && iv.Reserved != reserved {
			continue
		}
		pad := (align - iv.Addr%align) % align
		need := size + pad
		if iv.Size() < need {
			continue
		}
		if iv.Size() > need {
			st.Split(iv, iv.Addr+need)
		}
		iv.Used = use
		st.consume(iv.Reserved, need)
		return iv, iv.Addr + pad
	}
	return nil, 0
}

func (st *IntervalStore) consume(r Reserve, n int64) {
	switch r {
	case ReserveCode:
		st.remCode -= n
	case ReserveData:
		st.remData -= n
	}
}

// Release returns an interval to the free pool and merges it with
// compatible neighbours. Block teardown calls this before the store is
// destroyed.
func (st *IntervalStore) Release(iv *Interval) {
	i := st.index(iv)
	if i < 0 {
		return
	}
	st.consume(iv.Reserved, -iv.Size())
	iv.Used = UsedNone
	if i+1 < len(st.ivs) {
		st.Merge(iv, st.ivs[i+1])
	}
	if i > 0 {
		st.Merge(st.ivs[i-1], iv)
	}
}

// Check verifies the sorted-and-disjoint invariant.
func (st *IntervalStore) Check() error {
	for i := 1; i < len(st.ivs); i++ {
		if st.ivs[i].Addr < st.ivs[i-1].End {
			return fmt.Errorf("patch: intervals %v and %v overlap", st.ivs[i-1], st.ivs[i])
		}
	}
	return nil
}
