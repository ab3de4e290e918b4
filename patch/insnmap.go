// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"github.com/go-binpatch/binpatch/asm"
)

// PatchedInsn links an original instruction to its rewritten copy. Orig
// is nil for instructions the patcher synthesised; New is nil once the
// instruction is deleted (a tombstone).
type PatchedInsn struct {
	Orig *asm.Insn
	New  *asm.Insn

	// full marks copies carrying their own operands. Partial copies
	// hold a placeholder whose length is borrowed from the original.
	full bool

	// Block is the moved block holding the copy, nil while the edit is
	// in place.
	Block *MovedBlock
	// Seq is the copy's position inside Block.
	Seq int
}

// IsTombstone reports whether the original was deleted.
func (pi *PatchedInsn) IsTombstone() bool {
	return pi.New == nil
}

// Len returns the copy's current byte length, borrowing from the original
// for partial copies.
func (pi *PatchedInsn) Len() int {
	if pi.New == nil {
		return 0
	}
	if !pi.full && pi.Orig != nil {
		return pi.Orig.Len
	}
	return pi.New.Len
}

// InsnMap is the bijection between touched originals and their patched
// copies: at most one copy per original, created on first touch.
type InsnMap struct {
	m    map[*asm.Insn]*PatchedInsn
	refs *asm.RefIndex
	arch asm.Arch
}

// NewInsnMap returns an empty map wired to the file's reference index.
func NewInsnMap(arch asm.Arch, refs *asm.RefIndex) *InsnMap {
	return &InsnMap{
		m:    make(map[*asm.Insn]*PatchedInsn),
		refs: refs,
		arch: arch,
	}
}

// Get returns the entry for orig, or nil if it was never touched.
func (pm *InsnMap) Get(orig *asm.Insn) *PatchedInsn {
	return pm.m[orig]
}

// Len returns the number of touched originals.
func (pm *InsnMap) Len() int {
	return len(pm.m)
}

// Touch returns orig's patched entry, creating it on first use. Originals
// with a reference operand get a full copy so their pointer can move
// independently; the rest get a partial placeholder copy. Any
// patcher-created branch already aimed at the original is rewired to the
// copy.
func (pm *InsnMap) Touch(orig *asm.Insn) *PatchedInsn {
	if pi, ok := pm.m[orig]; ok {
		return pi
	}
	var cp *asm.Insn
	full := false
	if orig.Ptr() != nil {
		cp = cloneInsn(orig)
		full = true
	} else {
		cp = &asm.Insn{
			Addr:   orig.Addr,
			Len:    orig.Len,
			MaxLen: pm.arch.MaxByteSize(orig),
			Code:   asm.BadInsnCode,
			Annot:  orig.Annot,
		}
	}
	pi := &PatchedInsn{Orig: orig, New: cp, full: full}
	pm.m[orig] = pi
	pm.rewireNewBranches(orig, cp)
	return pi
}

// Synth registers a patcher-synthesised instruction with no original.
func (pm *InsnMap) Synth(ins *asm.Insn) *PatchedInsn {
	ins.Annotate(asm.AnnotNew)
	return &PatchedInsn{New: ins, full: true}
}

// Upgrade turns a partial copy into a full one so a modification can give
// it new operands.
func (pm *InsnMap) Upgrade(pi *PatchedInsn) {
	if pi.full || pi.Orig == nil || pi.New == nil {
		pi.full = true
		return
	}
	cp := cloneInsn(pi.Orig)
	cp.Annot = pi.New.Annot
	pi.New = cp
	pi.full = true
	pm.rewireNewBranches(pi.Orig, cp)
}

// ReplaceNew swaps the patched copy for a caller-built instruction, as a
// replace modification does, and rewires patcher branches aimed at the
// old copy.
func (pm *InsnMap) ReplaceNew(pi *PatchedInsn, ins *asm.Insn) {
	old := pi.New
	pi.New = ins
	pi.full = true
	if old != nil {
		for _, br := range append([]*asm.Insn(nil), pm.refs.NewBranches[old]...) {
			pm.refs.Retarget(br, old, ins)
		}
	}
}

// Delete turns the entry into a tombstone.
func (pm *InsnMap) Delete(pi *PatchedInsn) {
	pi.New = nil
	if pi.Orig != nil {
		pi.Orig.Annotate(asm.AnnotDel)
	}
}

func (pm *InsnMap) rewireNewBranches(orig, cp *asm.Insn) {
	for _, br := range append([]*asm.Insn(nil), pm.refs.NewBranches[orig]...) {
		pm.refs.Retarget(br, orig, cp)
	}
}

// Range calls fn for every (original, patched) pair until fn returns
// false.
func (pm *InsnMap) Range(fn func(orig *asm.Insn, pi *PatchedInsn) bool) {
	for o, pi := range pm.m {
		if !fn(o, pi) {
			return
		}
	}
}

// cloneInsn deep-copies an instruction, including its pointer operand, so
// the copy's references can be retargeted without touching the original.
func cloneInsn(orig *asm.Insn) *asm.Insn {
	cp := &asm.Insn{
		Addr:   orig.Addr,
		Len:    orig.Len,
		MaxLen: orig.MaxLen,
		Code:   orig.Code,
		Annot:  orig.Annot,
		Bytes:  append([]byte(nil), orig.Bytes...),
	}
	cp.Operands = make([]asm.Operand, len(orig.Operands))
	copy(cp.Operands, orig.Operands)
	for i := range cp.Operands {
		if cp.Operands[i].Kind == asm.OperPtr && cp.Operands[i].Ptr != nil {
			p := *cp.Operands[i].Ptr
			cp.Operands[i].Ptr = &p
		}
	}
	return cp
}
