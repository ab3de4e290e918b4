// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/go-binpatch/binpatch/asm"
)

// Verify checks the engine's structural invariants after planning or
// finalisation and returns every violation found; a clean session
// returns nil.
func (s *Session) Verify() []error {
	var errs []error
	report := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("patch: "+format, args...))
	}

	// One patched copy per original.
	seen := mapset.NewThreadUnsafeSet[*asm.Insn]()
	s.pm.Range(func(orig *asm.Insn, pi *PatchedInsn) bool {
		if orig == nil {
			return true
		}
		if !seen.Add(orig) {
			report("original at %#x has more than one patched copy", orig.Addr)
		}
		return true
	})

	// Blocks cover contiguous, non-overlapping original ranges.
	covered := mapset.NewThreadUnsafeSet[int]()
	for _, b := range s.pl.Blocks() {
		if b.First < 0 {
			continue
		}
		if b.Last < b.First {
			report("block at %#x has inverted bounds", b.OrigStart())
			continue
		}
		for i := b.First; i <= b.Last; i++ {
			if !covered.Add(i) {
				report("blocks overlap at original index %d", i)
			}
		}
		// Assigned range stays inside the reserved interval (or the
		// fused pair's span).
		if b.Iv != nil {
			lo := b.Iv.Addr
			if b.FusedPrev != nil && b.FusedPrev.Iv != nil {
				lo = b.FusedPrev.Iv.Addr
			}
			if b.NewAddr < lo || b.NewEnd() > b.Iv.End {
				report("block at %#x escapes its interval [%#x, %#x)", b.OrigStart(), b.Iv.Addr, b.Iv.End)
			}
			switch b.Flavor {
			case asm.JumpDirect, asm.JumpSmall:
				if b.Iv.Reach&ReachBranch == 0 {
					report("block at %#x uses a direct jump into an unreachable interval", b.OrigStart())
				}
			}
		}
	}

	// Interval store sorted and disjoint.
	if err := s.st.Check(); err != nil {
		errs = append(errs, err)
	}

	// No patcher branch aims at a tombstone.
	s.pm.Range(func(orig *asm.Insn, pi *PatchedInsn) bool {
		if !pi.IsTombstone() {
			return true
		}
		if n := len(s.f.Refs.NewBranches[orig]); n > 0 {
			report("%d new branches still target deleted instruction at %#x", n, orig.Addr)
		}
		return true
	})

	// Every entry jump reaches its target.
	checkReach := func(ins *asm.Insn, kind asm.JumpKind) {
		p := ins.Ptr()
		if p == nil || p.Mode != asm.AddrRelative {
			return
		}
		d := p.Target() - ins.End()
		if !s.f.Arch.SignedReach(kind).Holds(d) {
			report("branch at %#x cannot reach %#x (displacement %d)", ins.Addr, p.Target(), d)
		}
	}
	for _, b := range s.pl.Blocks() {
		for _, j := range b.EntryJump {
			if j.IsBranch() {
				kind := b.Flavor
				if b.Host != nil {
					kind = asm.JumpSmall
				}
				checkReach(j, kind)
			}
		}
	}
	return errs
}
