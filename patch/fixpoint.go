// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"github.com/pkg/errors"

	"github.com/go-binpatch/binpatch/asm"
)

// maxAssemblyPasses caps the address-assembly fixpoint. Instruction
// lengths only widen during iteration, so the cap is a guard against
// pathological inputs, not an expected path.
const maxAssemblyPasses = 16

// assemble runs the address-assembly fixpoint: assign addresses inside
// every moved block, re-encode address-dependent instructions, and
// repeat until no length changes. Blocks in different intervals are
// independent; a shift only propagates inside its own interval.
func (s *Session) assemble() error {
	for pass := 0; ; pass++ {
		// Late modifications (a retargeted branch escalating into its
		// own block) can grow the block list between passes; every
		// preparation step below is idempotent.
		if err := s.prepareBlocks(); err != nil {
			return err
		}
		blocks := s.pl.Blocks()
		s.layout(blocks)
		changed, err := s.encodeAll(blocks)
		if err != nil {
			return err
		}
		if !changed {
			break
		}
		if pass >= maxAssemblyPasses {
			// Last resort: one more pass must reach a fixed point now
			// that everything that could widen has widened.
			s.f.SetLastError(asm.WarnForcedWideBranches)
			s.log.Warn("address assembly hit the pass cap, forcing one final pass")
			s.layout(blocks)
			changed, err := s.encodeAll(blocks)
			if err != nil {
				return err
			}
			if changed {
				return errors.New("patch: address assembly did not converge")
			}
			break
		}
	}

	// The reservation must still hold once real sizes are known. A
	// fused block may begin inside its upstream neighbour's interval.
	for _, b := range s.pl.Blocks() {
		if b.Iv == nil {
			continue
		}
		lo := b.Iv.Addr
		if b.FusedPrev != nil && b.FusedPrev.Iv != nil {
			lo = b.FusedPrev.Iv.Addr
		}
		if b.NewAddr < lo || b.NewEnd() > b.Iv.End {
			return errors.Wrapf(asm.ErrNoSpaceForBlock,
				"block at %#x outgrew its interval [%#x, %#x)", b.OrigStart(), b.Iv.Addr, b.Iv.End)
		}
	}
	return nil
}

// prepareBlocks reserves intervals for blocks that still lack one and
// (re)builds the derived structures. Pinned blocks reserve first so
// their addresses stay reproducible when other modifications come and
// go.
func (s *Session) prepareBlocks() error {
	blocks := s.pl.Blocks()
	for _, fixed := range []bool{true, false} {
		for _, b := range blocks {
			if b.Fixed != fixed || b.Iv != nil {
				continue
			}
			if code := s.pl.reserve(b); code.IsError() {
				return errors.Wrapf(code, "patch: block at %#x", b.OrigStart())
			}
			if b.Host == nil && b.First >= 0 {
				// The flavor may have escalated; refresh the spare
				// byte count at the original site.
				entry := int64(s.f.Arch.ByteSize(b.Flavor))
				if b.avail = b.OrigSize - entry; b.avail < 0 {
					b.avail = 0
				}
			}
		}
	}

	s.retargetMovedPointers()
	s.fuseAdjacent(blocks)

	if code := s.buildReturnBranches(blocks); code.IsError() {
		return code
	}
	if code := s.buildEntryJumps(blocks); code.IsError() {
		return code
	}
	return nil
}

// retargetMovedPointers re-aims every patched copy whose pointer still
// designates an original that was displaced or deleted: inside the new
// sections the copy is the instruction that carries the semantics.
// Untouched branches keep their original target and reach the moved code
// through the trampoline at the original site.
func (s *Session) retargetMovedPointers() {
	s.pm.Range(func(orig *asm.Insn, pi *PatchedInsn) bool {
		if pi.IsTombstone() || !pi.full {
			return true
		}
		p := pi.New.Ptr()
		if p == nil || p.Kind != asm.TargetInsn || p.Insn == nil {
			return true
		}
		tgt := p.Insn
		if tgt.HasAnnot(asm.AnnotNew) || tgt.Annot&(asm.AnnotMov|asm.AnnotDel) == 0 {
			return true
		}
		dest := s.emissionTarget(tgt)
		if dest == tgt {
			return true
		}
		p.Insn = dest
		p.Refresh()
		if pi.Orig != nil {
			s.f.Refs.Rekey(pi.Orig, tgt, dest)
		}
		return true
	})
}

// fuseAdjacent elides the return branch between two moved blocks that
// are successors both in the original code and in their assigned
// intervals: control simply falls through.
func (s *Session) fuseAdjacent(blocks []*MovedBlock) {
	for i := 0; i+1 < len(blocks); i++ {
		a, b := blocks[i], blocks[i+1]
		if a.First < 0 || b.First < 0 {
			continue
		}
		if a.Last+1 != b.First {
			continue
		}
		if a.Iv == nil || b.Iv == nil || a.Iv.End != b.Iv.Addr {
			continue
		}
		a.FusedNext = b
		b.FusedPrev = a
	}
}

// buildReturnBranches synthesises the jump back to the original
// successor for every block whose last instruction does not already end
// control flow.
func (s *Session) buildReturnBranches(blocks []*MovedBlock) asm.Code {
	for _, b := range blocks {
		if b.First < 0 || b.FusedNext != nil || b.RetBranch != nil {
			continue
		}
		if last := lastLive(b); last != nil && last.New != nil && last.New.EndsFlow() {
			continue
		}
		succ := s.nextLiveOriginal(s.f.Insns[b.Last])
		if succ == nil {
			// The block ends its section; nothing to return to.
			continue
		}
		b.RetTo = succ
		list, br, ptr, err := s.generateJump(asm.JumpDirect, 0)
		if err != nil {
			return asm.ErrNoSpaceForBlock
		}
		ptr.Kind = asm.TargetInsn
		// Return into the patched copy when the successor itself was
		// modified, skipping tombstones.
		ptr.Insn = s.emissionTarget(succ)
		ptr.Refresh()
		s.f.Refs.AddNewBranch(br, ptr.Insn)
		for _, ins := range list {
			ins.Annotate(asm.AnnotNew)
			pi := s.pm.Synth(ins)
			b.Insns = append(b.Insns, pi)
			if b.RetBranch == nil {
				b.RetBranch = pi
			}
		}
		b.renumber()
	}
	return asm.CodeOK
}

// emissionTarget maps an original instruction to the instruction that
// will carry its semantics in the output: its live patched copy when one
// exists, otherwise the original itself.
func (s *Session) emissionTarget(orig *asm.Insn) *asm.Insn {
	if head, ok := s.insertHead[orig]; ok {
		// Branches to an insertion anchor execute the inserted code.
		return head
	}
	if _, ok := s.inPlace[orig]; ok {
		// An in-place edit keeps the original address live.
		return orig
	}
	pi := s.pm.Get(orig)
	if pi == nil {
		return orig
	}
	if pi.IsTombstone() {
		if next := s.nextLiveOriginal(orig); next != nil {
			return s.emissionTarget(next)
		}
		return orig
	}
	if pi.Block != nil {
		return pi.New
	}
	return orig
}

// buildEntryJumps generates the trampoline written over each block's
// original site, hopping through a host block when one was adopted.
func (s *Session) buildEntryJumps(blocks []*MovedBlock) asm.Code {
	for _, b := range blocks {
		if b.First < 0 || b.EntryJump != nil {
			continue
		}
		dest := b.NextLive(0)
		var destIns *asm.Insn
		if dest != nil {
			destIns = dest.New
			if destIns == nil && dest.Orig != nil {
				destIns = dest.Orig
			}
		}
		if destIns == nil {
			continue
		}

		if b.Host != nil {
			// Small hop into the host's spare bytes, full jump there.
			hole := b.Host.OrigStart() + b.hostOff
			full, fbr, fptr, err := s.generateJump(b.Flavor, hole)
			if err != nil {
				return asm.ErrNoSpaceForBlock
			}
			if code := s.bindEntry(b, fbr, fptr, destIns); code.IsError() {
				return code
			}
			b.Host.HostJumps = append(b.Host.HostJumps, full...)

			small, sbr, sptr, err := s.generateJump(asm.JumpSmall, b.OrigStart())
			if err != nil {
				return asm.ErrNoSpaceForBlock
			}
			sptr.Kind = asm.TargetInsn
			sptr.Insn = full[0]
			sptr.Refresh()
			s.f.Refs.AddNewBranch(sbr, full[0])
			b.EntryJump = small
			b.EntryBranch = sbr
			continue
		}

		list, br, ptr, err := s.generateJump(b.Flavor, b.OrigStart())
		if err != nil {
			return asm.ErrNoSpaceForBlock
		}
		if code := s.bindEntry(b, br, ptr, destIns); code.IsError() {
			return code
		}
		b.EntryJump = list
		b.EntryBranch = br
	}
	return asm.CodeOK
}

// bindEntry binds a generated entry jump to the moved code, routing a
// memory-relative flavor through the block's address cell.
func (s *Session) bindEntry(b *MovedBlock, br *asm.Insn, ptr *asm.Pointer, dest *asm.Insn) asm.Code {
	if b.Flavor == asm.JumpMemRel && b.Cell != nil {
		// The branch reads the cell; the cell holds the destination.
		if p := br.Ptr(); p != nil {
			p.Kind = asm.TargetData
			p.Data = b.Cell
			p.Refresh()
		}
		ptr.Kind = asm.TargetInsn
		ptr.Insn = dest
		ptr.Refresh()
		b.Cell.Ptr = ptr
	} else {
		ptr.Kind = asm.TargetInsn
		ptr.Insn = dest
		ptr.Refresh()
	}
	s.f.Refs.AddNewBranch(br, dest)
	return asm.CodeOK
}

// layout assigns addresses to every block's instructions and local data,
// then to the entry jumps and hosted jumps at the original sites.
func (s *Session) layout(blocks []*MovedBlock) {
	for _, b := range blocks {
		addr := b.NewAddr
		for _, pi := range b.Insns {
			if pi.IsTombstone() {
				continue
			}
			pi.New.Addr = addr
			addr += int64(pi.Len())
		}
		for _, d := range b.LocalData {
			addr = alignUp(addr, int64(d.Align))
			d.Addr = addr
			addr += int64(d.Size)
		}
		if b.FusedNext != nil {
			// The downstream block continues where this one ended.
			b.FusedNext.NewAddr = addr
		}
	}

	// Entry and hosted jumps keep the addresses they were generated at:
	// their encodings are fixed-size, so only multi-instruction lists
	// need their internal sequence refreshed.
	for _, b := range blocks {
		if b.First < 0 {
			continue
		}
		addr := b.OrigStart()
		for _, j := range b.EntryJump {
			j.Addr = addr
			addr += int64(j.Len)
		}
	}
}

// encodeAll refreshes pointers and re-encodes every patcher-owned
// instruction, reporting whether any byte length changed.
func (s *Session) encodeAll(blocks []*MovedBlock) (bool, error) {
	changed := false
	enc := func(ins *asm.Insn, allowResize bool) error {
		if p := ins.Ptr(); p != nil {
			p.Refresh()
		}
		old := ins.Len
		b, err := s.f.Arch.Encode(ins, allowResize)
		if err != nil {
			return err
		}
		ins.Bytes = b
		if ins.Len != old {
			changed = true
		}
		return nil
	}

	for _, b := range blocks {
		for _, pi := range b.Insns {
			if pi.IsTombstone() || (!pi.full && pi.Orig != nil) {
				continue
			}
			if err := enc(pi.New, true); err != nil {
				return false, errors.Wrapf(err, "block at %#x", b.OrigStart())
			}
		}
		// Trampoline jumps were planned against their flavor's reach;
		// they must keep their size.
		for _, j := range b.EntryJump {
			if err := enc(j, false); err != nil {
				return false, errors.Wrapf(err, "entry jump at %#x", b.OrigStart())
			}
		}
		for _, j := range b.HostJumps {
			if err := enc(j, false); err != nil {
				return false, errors.Wrapf(err, "hosted jump at %#x", b.OrigStart())
			}
		}
		if b.Cell != nil && b.Cell.Ptr != nil {
			b.Cell.Ptr.Refresh()
		}
	}

	// In-place edits must keep their byte length.
	for orig, repl := range s.inPlace {
		addr := orig.Addr
		for _, ins := range repl {
			ins.Addr = addr
			if err := enc(ins, false); err != nil {
				return false, errors.Wrapf(err, "in-place edit at %#x", orig.Addr)
			}
			addr += int64(ins.Len)
		}
	}
	var rangeErr error
	s.pm.Range(func(orig *asm.Insn, pi *PatchedInsn) bool {
		if pi.Block != nil || pi.IsTombstone() || !pi.full {
			return true
		}
		if _, handled := s.inPlace[orig]; handled {
			return true
		}
		pi.New.Addr = orig.Addr
		if err := enc(pi.New, false); err != nil {
			// The rewritten operand no longer fits the original slot:
			// displace the enclosing block so the instruction can take
			// a wider encoding there.
			if _, code := s.pl.BlockFor(orig, 0); !code.IsError() {
				changed = true
				return true
			}
			s.f.SetLastError(asm.ErrSizeWouldChange)
			rangeErr = errors.Wrapf(err, "in-place re-encode at %#x", orig.Addr)
			return false
		}
		return true
	})
	if rangeErr != nil {
		return false, rangeErr
	}
	return changed, nil
}

func lastLive(b *MovedBlock) *PatchedInsn {
	for i := len(b.Insns) - 1; i >= 0; i-- {
		if !b.Insns[i].IsTombstone() {
			return b.Insns[i]
		}
	}
	return nil
}
