// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"sort"

	"github.com/go-binpatch/binpatch/asm"
)

// safetyMargin is kept above the longest jump encoding so that flavor
// selection never consumes the last bytes another block's return branch
// might need. The value may need per-architecture tuning.
const safetyMargin = 0x100

// MovedBlock is a run of original instructions relocated to a fresh
// interval, with a trampoline jump left at the original site.
type MovedBlock struct {
	// First and Last are inclusive indices into the file's instruction
	// list.
	First, Last int

	OrigSize int64
	// MaxSize is the maximal post-patch size: worst-case encodings plus
	// the return branch plus local-data alignment.
	MaxSize int64

	Flavor asm.JumpKind

	Iv      *Interval
	NewAddr int64
	Section *asm.Section

	// Insns holds the patched copies in emission order.
	Insns     []*PatchedInsn
	LocalData []*asm.DataEntry

	// Cell is the address cell of a memory-relative trampoline.
	Cell   *asm.DataEntry
	CellIv *Interval

	// Trampoline linkage: a block too small for its entry jump hops
	// through the spare bytes of Host's original site. hostOff is the
	// assigned slot offset inside the host's original range.
	Host      *MovedBlock
	HostUsers []*MovedBlock
	hostOff   int64

	// EntryJump is the instruction list written over the original site;
	// EntryBranch is the branch inside it.
	EntryJump   []*asm.Insn
	EntryBranch *asm.Insn
	// HostJumps are the full jumps this block hosts for other blocks,
	// placed in its spare bytes.
	HostJumps []*asm.Insn

	// RetTo is the original successor needing a return branch, nil when
	// the block's last instruction ends control flow.
	RetTo     *asm.Insn
	RetBranch *PatchedInsn

	// FusedNext links to a block that continues this one both in the
	// original code and in the assigned intervals; the return branch
	// between them is elided and the downstream block starts where the
	// upstream content ends.
	FusedNext *MovedBlock
	FusedPrev *MovedBlock

	Modifs []*Modification

	// Fixed blocks reserve their interval ahead of the others so the
	// assigned address stays reproducible across runs.
	Fixed bool

	// avail is the byte count of the NOP-padded hole left at the
	// original site, usable by trampoline users.
	avail int64
	// hostUsed counts hole bytes already handed to users.
	hostUsed int64

	firstAddr int64
	lastEnd   int64
}

// OrigStart returns the block's original start address.
func (b *MovedBlock) OrigStart() int64 { return b.firstAddr }

// OrigEnd returns one past the block's original byte range.
func (b *MovedBlock) OrigEnd() int64 { return b.lastEnd }

// Available returns the spare bytes of the original site not yet consumed
// by trampoline users.
func (b *MovedBlock) Available() int64 { return b.avail - b.hostUsed }

// NewEnd returns one past the block's assigned range, valid after address
// assembly.
func (b *MovedBlock) NewEnd() int64 {
	var n int64
	for _, pi := range b.Insns {
		n += int64(pi.Len())
	}
	for _, d := range b.LocalData {
		n = alignUp(n, int64(d.Align)) + int64(d.Size)
	}
	return b.NewAddr + n
}

// Contains reports whether the original-instruction index i falls inside
// the block.
func (b *MovedBlock) Contains(i int) bool {
	return i >= b.First && i <= b.Last
}

// find returns the position of pi inside the block, or -1.
func (b *MovedBlock) find(pi *PatchedInsn) int {
	for i, p := range b.Insns {
		if p == pi {
			return i
		}
	}
	return -1
}

// insertAt splices copies into the block at position i and renumbers.
func (b *MovedBlock) insertAt(i int, copies ...*PatchedInsn) {
	b.Insns = append(b.Insns, make([]*PatchedInsn, len(copies))...)
	copy(b.Insns[i+len(copies):], b.Insns[i:])
	copy(b.Insns[i:], copies)
	b.renumber()
}

func (b *MovedBlock) renumber() {
	for i, p := range b.Insns {
		p.Seq = i
		p.Block = b
	}
}

// NextLive returns the first non-tombstone copy at or after position i,
// or nil.
func (b *MovedBlock) NextLive(i int) *PatchedInsn {
	for ; i < len(b.Insns); i++ {
		if !b.Insns[i].IsTombstone() {
			return b.Insns[i]
		}
	}
	return nil
}

// planner builds moved blocks on demand and owns the global block list,
// ordered by original start address.
type planner struct {
	f  *asm.File
	st *IntervalStore
	pm *InsnMap

	blocks []*MovedBlock
	byIdx  map[int]*MovedBlock // original insn index -> owning block

	labelSites map[int64]bool
}

func newPlanner(f *asm.File, st *IntervalStore, pm *InsnMap) *planner {
	return &planner{
		f:          f,
		st:         st,
		pm:         pm,
		byIdx:      make(map[int]*MovedBlock),
		labelSites: f.LabelSites(),
	}
}

// Blocks returns the moved blocks sorted by original start address.
func (pl *planner) Blocks() []*MovedBlock { return pl.blocks }

func (pl *planner) isTarget(ins *asm.Insn) bool {
	return len(pl.f.Refs.Branches[ins]) > 0 || len(pl.f.Refs.NewBranches[ins]) > 0
}

func (pl *planner) sectionFirst(ins *asm.Insn) bool {
	s := ins.Section
	return s != nil && len(s.Insns) > 0 && s.Insns[0] == ins
}

// BlockFor returns the moved block enclosing anchor, building it if
// needed. flags carries the modification's placement options.
func (pl *planner) BlockFor(anchor *asm.Insn, flags ModifFlags) (*MovedBlock, asm.Code) {
	idx := pl.f.InsnIndex(anchor)
	if idx < 0 {
		return nil, asm.ErrInsnNotFound
	}
	if b, ok := pl.byIdx[idx]; ok {
		return b, asm.CodeOK
	}

	arch := pl.f.Arch
	smallSize := int64(arch.ByteSize(asm.JumpSmall))

	var first, last int
	if flags&MovSingleInsn != 0 {
		first, last = pl.growMinimal(idx, smallSize)
	} else {
		first, last = pl.discover(idx)
	}

	origSize := pl.f.RangeSize(first, last)

	// Pick the entry-jump flavor from the remaining reserved space.
	flavor := pl.selectFlavor()
	entrySize := int64(arch.ByteSize(flavor))

	var host *MovedBlock
	if origSize < entrySize {
		if origSize < smallSize && flags&MoveFcts != 0 {
			// Extend to the enclosing function before giving up.
			if f2, l2, ok := pl.growToFunction(first, last); ok {
				first, last = f2, l2
				origSize = pl.f.RangeSize(first, last)
				pl.f.SetLastError(asm.WarnFunctionMoved)
				for i := first; i <= last; i++ {
					ins := pl.f.Insns[i]
					if ins.IsBranch() && ins.Ptr() == nil {
						// Indirect branches inside a moved function
						// cannot be retargeted.
						pl.f.SetLastError(asm.WarnMovedFctHasIndirectBranch)
						break
					}
				}
			}
		}
		switch {
		case origSize >= entrySize:
			// The function extension made room.
		case origSize >= smallSize:
			host = pl.findTrampoline(first, last, entrySize)
			if host == nil && flags&ForceInsert == 0 {
				return nil, asm.ErrNoSpaceForBlock
			}
			if host == nil {
				pl.f.SetLastError(asm.WarnSizeTooSmallForcedInsert)
			}
		case flags&ForceInsert != 0:
			pl.f.SetLastError(asm.WarnSizeTooSmallForcedInsert)
		default:
			return nil, asm.ErrInsufficientSizeForInsert
		}
	}

	b := &MovedBlock{
		First:     first,
		Last:      last,
		OrigSize:  origSize,
		Flavor:    flavor,
		firstAddr: pl.f.Insns[first].Addr,
		lastEnd:   pl.f.Insns[last].End(),
		Fixed:     flags&ModifFixed != 0,
	}

	// Copy the originals through the patched-instruction map and mark
	// them displaced.
	for i := first; i <= last; i++ {
		orig := pl.f.Insns[i]
		pi := pl.pm.Touch(orig)
		orig.Annotate(asm.AnnotMov)
		b.Insns = append(b.Insns, pi)
	}
	b.renumber()

	if host != nil {
		b.Host = host
		b.hostOff = host.OrigSize - host.avail + host.hostUsed
		host.HostUsers = append(host.HostUsers, b)
		host.hostUsed += entrySize
	}

	entry := entrySize
	if host != nil {
		entry = smallSize
	}
	b.avail = origSize - entry
	if b.avail < 0 {
		b.avail = 0
	}

	// The interval is reserved later, once every modification has grown
	// the block to its final maximal size.
	b.computeMaxSize(arch)

	for i := first; i <= last; i++ {
		pl.byIdx[i] = b
	}
	pl.blocks = append(pl.blocks, b)
	sort.Slice(pl.blocks, func(i, j int) bool { return pl.blocks[i].First < pl.blocks[j].First })
	return b, asm.CodeOK
}

// discover finds the enclosing basic block of the instruction at idx:
// back to the successor of a branch or to a branch target, forward to a
// branch or to just before a branch target, absorbing a trailing branch
// and its trailing NOPs.
func (pl *planner) discover(idx int) (first, last int) {
	insns := pl.f.Insns

	first = idx
	for first > 0 {
		cur := insns[first]
		if pl.isTarget(cur) || pl.labelSites[cur.Addr] || cur.HasAnnot(asm.AnnotBeginList) || pl.sectionFirst(cur) {
			break
		}
		pred := insns[first-1]
		if pred.IsBranch() || pred.Section != cur.Section {
			break
		}
		first--
	}

	last = idx
	for last < len(insns)-1 {
		cur := insns[last]
		if cur.IsBranch() && cur.Annot&asm.AnnotCall == 0 {
			break
		}
		next := insns[last+1]
		if pl.isTarget(next) || pl.labelSites[next.Addr] || next.Section != cur.Section {
			break
		}
		last++
	}

	// Absorb trailing NOPs after a terminating branch.
	if insns[last].IsBranch() {
		for last < len(insns)-1 {
			next := insns[last+1]
			if !pl.f.Arch.IsNop(next) || pl.isTarget(next) || pl.labelSites[next.Addr] || next.Section != insns[last].Section {
				break
			}
			last++
		}
	}
	return first, last
}

// growMinimal grows a single-instruction block just far enough to reach
// want bytes, respecting the same boundaries as discover.
func (pl *planner) growMinimal(idx int, want int64) (first, last int) {
	insns := pl.f.Insns
	first, last = idx, idx
	for pl.f.RangeSize(first, last) < want {
		if last < len(insns)-1 && !insns[last].IsBranch() {
			next := insns[last+1]
			if !pl.isTarget(next) && !pl.labelSites[next.Addr] && next.Section == insns[last].Section {
				last++
				continue
			}
		}
		if first > 0 {
			cur := insns[first]
			pred := insns[first-1]
			if !pl.isTarget(cur) && !pl.labelSites[cur.Addr] && !pred.IsBranch() && pred.Section == cur.Section {
				first--
				continue
			}
		}
		break
	}
	return first, last
}

// growToFunction extends [first, last] to the enclosing function's
// instruction range.
func (pl *planner) growToFunction(first, last int) (int, int, bool) {
	anchor := pl.f.Insns[first]
	fl := pl.f.LastLabelBefore(anchor.Addr, asm.LabelFunction)
	if fl == nil {
		return first, last, false
	}
	var end int64 = 1<<62 - 1
	for _, l := range pl.f.Labels {
		if l.Type == asm.LabelFunction && l.Addr > fl.Addr {
			end = l.Addr
			break
		}
	}
	f2, l2 := first, last
	for f2 > 0 && pl.f.Insns[f2-1].Addr >= fl.Addr && pl.f.Insns[f2-1].Section == anchor.Section {
		f2--
	}
	for l2 < len(pl.f.Insns)-1 && pl.f.Insns[l2+1].End() <= end && pl.f.Insns[l2+1].Section == anchor.Section {
		l2++
	}
	if f2 == first && l2 == last {
		return first, last, false
	}
	return f2, l2, true
}

// selectFlavor picks the entry-jump flavor from the remaining reserved
// space, in the order direct, memory-relative, fully indirect.
func (pl *planner) selectFlavor() asm.JumpKind {
	arch := pl.f.Arch
	if pl.st.RemainingCode() >= int64(arch.ByteSize(asm.JumpDirect))+safetyMargin {
		return asm.JumpDirect
	}
	if pl.st.RemainingData() >= int64(arch.PtrSize())+safetyMargin {
		return asm.JumpMemRel
	}
	return asm.JumpIndirect
}

// findTrampoline scans for a displaced block whose spare original bytes
// can host the full entry jump, within small-jump reach of the site.
// Backward blocks are tried first: already-displaced predecessors leave
// NOP-padded holes behind them.
func (pl *planner) findTrampoline(first, last int, jumpSize int64) *MovedBlock {
	arch := pl.f.Arch
	site := pl.f.Insns[first].Addr
	reach := arch.SignedReach(asm.JumpSmall)
	smallSize := int64(arch.ByteSize(asm.JumpSmall))

	candidate := func(b *MovedBlock) bool {
		if b.Contains(first) || b.Contains(last) {
			return false
		}
		if b.Available() < jumpSize {
			return false
		}
		hole := b.holeAddr()
		return reach.Holds(hole - (site + smallSize))
	}

	var back, fwd []*MovedBlock
	for _, b := range pl.blocks {
		if b.Last < first {
			back = append(back, b)
		} else if b.First > last {
			fwd = append(fwd, b)
		}
	}
	// Nearest first.
	sort.Slice(back, func(i, j int) bool { return back[i].First > back[j].First })
	sort.Slice(fwd, func(i, j int) bool { return fwd[i].First < fwd[j].First })

	for _, b := range back {
		if candidate(b) {
			return b
		}
	}
	for _, b := range fwd {
		if candidate(b) {
			return b
		}
	}

	// No displaced block qualifies: draft a nearby unmoved block, whose
	// own displacement leaves the NOP hole the full jump needs.
	if b := pl.draftHost(first, last, jumpSize, -1); b != nil {
		return b
	}
	return pl.draftHost(first, last, jumpSize, +1)
}

// draftHost walks the original instructions in the given direction for a
// basic block large enough to host both its own entry jump and the
// caller's full jump within small-jump reach, and displaces it.
func (pl *planner) draftHost(first, last int, jumpSize int64, dir int) *MovedBlock {
	arch := pl.f.Arch
	site := pl.f.Insns[first].Addr
	reach := arch.SignedReach(asm.JumpSmall)
	smallSize := int64(arch.ByteSize(asm.JumpSmall))
	hostEntry := int64(arch.ByteSize(pl.selectFlavor()))

	idx := first - 1
	if dir > 0 {
		idx = last + 1
	}
	for idx >= 0 && idx < len(pl.f.Insns) {
		if b, taken := pl.byIdx[idx]; taken {
			if dir < 0 {
				idx = b.First - 1
			} else {
				idx = b.Last + 1
			}
			continue
		}
		cand := pl.f.Insns[idx]
		if !reach.Holds(cand.Addr-(site+smallSize)) && !reach.Holds(cand.Addr+int64(cand.Len)-(site+smallSize)) {
			return nil
		}
		f2, l2 := pl.discover(idx)
		if l2 >= first && f2 <= last {
			// Overlaps the block being patched.
			if dir < 0 {
				idx = f2 - 1
			} else {
				idx = l2 + 1
			}
			continue
		}
		size := pl.f.RangeSize(f2, l2)
		hole := pl.f.Insns[f2].Addr + hostEntry
		if size >= hostEntry+jumpSize && reach.Holds(hole-(site+smallSize)) {
			b, code := pl.BlockFor(pl.f.Insns[f2], 0)
			if code == asm.CodeOK && b.Available() >= jumpSize {
				return b
			}
		}
		if dir < 0 {
			idx = f2 - 1
		} else {
			idx = l2 + 1
		}
	}
	return nil
}

// holeAddr is where the next hosted jump would land inside the block's
// original site: after its own entry jump and previously handed-out
// bytes.
func (b *MovedBlock) holeAddr() int64 {
	var entry int64
	if b.EntryJump != nil {
		for _, j := range b.EntryJump {
			entry += int64(j.Len)
		}
	} else {
		// Entry jump not generated yet; use the flavor's size.
		entry = b.OrigSize - b.avail
	}
	return b.firstAddr + entry + b.hostUsed
}

// computeMaxSize estimates the block's maximal post-patch size.
func (b *MovedBlock) computeMaxSize(arch asm.Arch) {
	var n int64
	for _, pi := range b.Insns {
		if pi.IsTombstone() {
			continue
		}
		if !pi.full && pi.Orig != nil {
			n += int64(arch.MaxByteSize(pi.Orig))
		} else {
			n += int64(arch.MaxByteSize(pi.New))
		}
	}
	n += int64(arch.ByteSize(asm.JumpDirect)) // worst-case return branch
	for _, d := range b.LocalData {
		n += int64(d.Size)
		if d.Align > 1 {
			n += int64(d.Align - 1)
		}
	}
	b.MaxSize = n
}

// reserve finds an interval for the block's code, and for a
// memory-relative flavor also the address cell in a reference-reachable
// data interval. When no interval fits the chosen flavor, the flavor
// escalates toward fully indirect rather than failing.
func (pl *planner) reserve(b *MovedBlock) asm.Code {
	arch := pl.f.Arch
	for {
		var (
			reach ReachFlag
			use   = UsedCode
		)
		switch b.Flavor {
		case asm.JumpDirect, asm.JumpSmall:
			reach = ReachBranch
		case asm.JumpMemRel, asm.JumpIndirect:
			reach = ReachNone
		}
		iv, addr := pl.st.FindFit(b.MaxSize, 16, reach, ReserveCode, use)
		if iv == nil {
			// Unreserved intervals are the next resort.
			iv, addr = pl.st.FindFit(b.MaxSize, 16, reach, ReserveNone, use)
		}
		if iv == nil {
			if b.Flavor == asm.JumpDirect {
				b.Flavor = asm.JumpMemRel
				continue
			}
			if b.Flavor == asm.JumpMemRel {
				b.Flavor = asm.JumpIndirect
				continue
			}
			return asm.ErrNoSpaceForBlock
		}
		b.Iv = iv
		b.NewAddr = addr

		if b.Flavor == asm.JumpMemRel {
			ptrSize := int64(arch.PtrSize())
			cellIv, cellAddr := pl.st.FindFit(ptrSize, ptrSize, ReachRef, ReserveData, UsedData)
			if cellIv == nil {
				// No reference-reachable room: fall back to the fully
				// indirect flavor without aborting.
				pl.st.Release(iv)
				b.Iv, b.NewAddr = nil, 0
				b.Flavor = asm.JumpIndirect
				continue
			}
			b.CellIv = cellIv
			b.Cell = &asm.DataEntry{Addr: cellAddr, Size: int(ptrSize), Align: int(ptrSize), Bytes: make([]byte, ptrSize)}
		}
		return asm.CodeOK
	}
}

// Drop releases a block whose modifications all cancelled before
// finalisation.
func (pl *planner) Drop(b *MovedBlock) {
	if b.Iv != nil {
		pl.st.Release(b.Iv)
	}
	if b.CellIv != nil {
		pl.st.Release(b.CellIv)
	}
	for i := b.First; i <= b.Last; i++ {
		delete(pl.byIdx, i)
		pl.f.Insns[i].Annot &^= asm.AnnotMov
	}
	for i, bb := range pl.blocks {
		if bb == b {
			pl.blocks = append(pl.blocks[:i], pl.blocks[i+1:]...)
			break
		}
	}
	if b.Host != nil {
		b.Host.hostUsed -= int64(pl.f.Arch.ByteSize(b.Flavor))
		for i, u := range b.Host.HostUsers {
			if u == b {
				b.Host.HostUsers = append(b.Host.HostUsers[:i], b.Host.HostUsers[i+1:]...)
				break
			}
		}
	}
}

func alignUp(v, a int64) int64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}
