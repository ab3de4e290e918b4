// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

// RefIndex holds the cross-reference multimaps of a file: branches to an
// instruction, data entries referenced by instructions, instructions
// referenced by data entries, and the branches the patcher itself creates.
//
// The index owns the pairing invariant: for every branch b stored under
// target t, b's pointer currently designates t. Retargeting therefore goes
// through Retarget, which removes the old pair before inserting the new
// one.
type RefIndex struct {
	// Branches maps a target instruction to the branches aimed at it.
	Branches map[*Insn][]*Insn
	// NewBranches is the same multimap for patcher-created branches.
	NewBranches map[*Insn][]*Insn
	// DataRefsByInsn maps a target instruction to the data entries
	// holding its address.
	DataRefsByInsn map[*Insn][]*DataEntry
	// InsnRefsByData maps a target data entry to the instructions
	// referencing it.
	InsnRefsByData map[*DataEntry][]*Insn
}

// NewRefIndex returns an empty index.
func NewRefIndex() *RefIndex {
	return &RefIndex{
		Branches:       make(map[*Insn][]*Insn),
		NewBranches:    make(map[*Insn][]*Insn),
		DataRefsByInsn: make(map[*Insn][]*DataEntry),
		InsnRefsByData: make(map[*DataEntry][]*Insn),
	}
}

// AddBranch records branch as aiming at dest.
func (ix *RefIndex) AddBranch(branch, dest *Insn) {
	ix.Branches[dest] = append(ix.Branches[dest], branch)
}

// AddNewBranch records a patcher-created branch aiming at dest.
func (ix *RefIndex) AddNewBranch(branch, dest *Insn) {
	ix.NewBranches[dest] = append(ix.NewBranches[dest], branch)
}

// AddInsnRefToData records that refinsn holds the address of dest.
func (ix *RefIndex) AddInsnRefToData(refinsn *Insn, dest *DataEntry) {
	ix.InsnRefsByData[dest] = append(ix.InsnRefsByData[dest], refinsn)
}

// AddDataRefToInsn records that refdata holds the address of dest.
func (ix *RefIndex) AddDataRefToInsn(refdata *DataEntry, dest *Insn) {
	ix.DataRefsByInsn[dest] = append(ix.DataRefsByInsn[dest], refdata)
}

func removeInsn(s []*Insn, v *Insn) []*Insn {
	for i, e := range s {
		if e == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Retarget moves branch from old to dest in the multimaps and updates the
// branch's pointer, keeping the pairing invariant. Both the regular
// and the new-branches map are consulted so that callers need not know
// which one holds the edge.
func (ix *RefIndex) Retarget(branch, old, dest *Insn) {
	for _, m := range []map[*Insn][]*Insn{ix.Branches, ix.NewBranches} {
		lst, ok := m[old]
		if !ok {
			continue
		}
		n := len(lst)
		lst = removeInsn(lst, branch)
		if len(lst) == n {
			continue
		}
		if len(lst) == 0 {
			delete(m, old)
		} else {
			m[old] = lst
		}
		m[dest] = append(m[dest], branch)
	}
	if p := branch.Ptr(); p != nil && p.Kind == TargetInsn {
		p.Insn = dest
		p.Refresh()
	}
}

// Rekey moves branch from old to dest in both multimaps without touching
// any pointer. Used when the retargeting happens on a patched copy while
// the index stays keyed on originals.
func (ix *RefIndex) Rekey(branch, old, dest *Insn) {
	for _, m := range []map[*Insn][]*Insn{ix.Branches, ix.NewBranches} {
		lst, ok := m[old]
		if !ok {
			continue
		}
		n := len(lst)
		lst = removeInsn(lst, branch)
		if len(lst) == n {
			continue
		}
		if len(lst) == 0 {
			delete(m, old)
		} else {
			m[old] = lst
		}
		m[dest] = append(m[dest], branch)
	}
}

// BranchesTo returns every branch, original or patcher-created, aimed at
// dest.
func (ix *RefIndex) BranchesTo(dest *Insn) []*Insn {
	var out []*Insn
	out = append(out, ix.Branches[dest]...)
	out = append(out, ix.NewBranches[dest]...)
	return out
}
