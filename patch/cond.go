// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"fmt"

	"github.com/go-binpatch/binpatch/asm"
)

// CondNode is the operator of a condition-tree node.
type CondNode uint8

const (
	CondLeaf CondNode = iota
	CondAnd
	CondOr
)

// Cond is a tree of comparisons guarding an insertion. The payload runs
// only when the tree evaluates true; otherwise control goes to the else
// list, or past the insertion when there is none.
type Cond struct {
	Node  CondNode
	Left  *Cond
	Right *Cond

	// Leaf payload.
	Cmp   asm.CondOp
	Value int64
}

// NewCondLeaf returns a comparison leaf.
func NewCondLeaf(op asm.CondOp, value int64) *Cond {
	return &Cond{Node: CondLeaf, Cmp: op, Value: value}
}

// NewCondAnd conjoins two subtrees.
func NewCondAnd(l, r *Cond) *Cond { return &Cond{Node: CondAnd, Left: l, Right: r} }

// NewCondOr disjoins two subtrees.
func NewCondOr(l, r *Cond) *Cond { return &Cond{Node: CondOr, Left: l, Right: r} }

// CondLeafRecord is the serialised form of one leaf: which comparison to
// emit, whether the emitted branch takes the opposite of the comparison,
// and which leaf evaluates next when this one fails (-1 for the else
// code).
type CondLeafRecord struct {
	Cmp      asm.CondOp
	Value    int64
	Opposite bool
	FailNext int
}

// opposite returns the negated comparison operator.
func opposite(op asm.CondOp) asm.CondOp {
	switch op {
	case asm.CondEQ:
		return asm.CondNE
	case asm.CondNE:
		return asm.CondEQ
	case asm.CondLT:
		return asm.CondGE
	case asm.CondLE:
		return asm.CondGT
	case asm.CondGT:
		return asm.CondLE
	case asm.CondGE:
		return asm.CondLT
	}
	return op
}

// condLabel is a forward-reference target used while lowering; it is
// bound to the next emitted instruction.
type condLabel struct {
	bound bool
	pos   int // index into the emitted list
}

type condEmitter struct {
	arch    asm.Arch
	insns   []*asm.Insn
	pending map[*condLabel][]*asm.Insn // branches waiting for a label
	records []CondLeafRecord
	leafPos map[*asm.Insn]int // branch insn -> leaf index
}

func (e *condEmitter) newLabel() *condLabel {
	return &condLabel{}
}

func (e *condEmitter) bind(l *condLabel) {
	l.bound = true
	l.pos = len(e.insns)
}

// leaf emits a compare plus a single conditional branch to lbl, taken
// when op holds, and records the leaf. opp tells whether op is the
// negation of the leaf's own comparison.
func (e *condEmitter) leaf(c *Cond, op asm.CondOp, lbl *condLabel, opp bool) error {
	list, br, err := e.arch.GenerateCompare(op, c.Value)
	if err != nil {
		return err
	}
	e.insns = append(e.insns, list...)
	e.pending[lbl] = append(e.pending[lbl], br)
	e.leafPos[br] = len(e.records)
	e.records = append(e.records, CondLeafRecord{Cmp: c.Cmp, Value: c.Value, Opposite: opp, FailNext: -1})
	return nil
}

// emit lowers c so that control falls through when the tree holds and
// branches to fail otherwise.
func (e *condEmitter) emit(c *Cond, fail *condLabel) error {
	switch c.Node {
	case CondLeaf:
		// Branch away on the opposite comparison.
		return e.leaf(c, opposite(c.Cmp), fail, true)
	case CondAnd:
		if err := e.emit(c.Left, fail); err != nil {
			return err
		}
		return e.emit(c.Right, fail)
	case CondOr:
		hold := e.newLabel()
		next := e.newLabel()
		// Left holds: skip the right subtree.
		if err := e.emitOr(c.Left, hold, next); err != nil {
			return err
		}
		e.bind(next)
		if err := e.emit(c.Right, fail); err != nil {
			return err
		}
		e.bind(hold)
		return nil
	}
	return fmt.Errorf("patch: unknown condition node %d", c.Node)
}

// emitOr lowers the left arm of a disjunction: branch to hold when the
// arm evaluates true, fall through to next otherwise.
func (e *condEmitter) emitOr(c *Cond, hold, next *condLabel) error {
	switch c.Node {
	case CondLeaf:
		return e.leaf(c, c.Cmp, hold, false)
	case CondOr:
		mid := e.newLabel()
		if err := e.emitOr(c.Left, hold, mid); err != nil {
			return err
		}
		e.bind(mid)
		return e.emitOr(c.Right, hold, next)
	case CondAnd:
		// (a && b) as an OR arm: a fails -> next arm, b holds -> hold.
		if err := e.emit(c.Left, next); err != nil {
			return err
		}
		return e.emitOr(c.Right, hold, next)
	}
	return fmt.Errorf("patch: unknown condition node %d", c.Node)
}

// resolve binds every pending branch to its label's instruction, and
// fills the fail-chain indices of the serialised records.
func (e *condEmitter) resolve(failTarget *asm.Insn, after []*asm.Insn) error {
	at := func(l *condLabel) *asm.Insn {
		if !l.bound || l.pos >= len(e.insns) {
			if len(after) > 0 {
				return after[0]
			}
			return failTarget
		}
		return e.insns[l.pos]
	}
	for lbl, brs := range e.pending {
		var tgt *asm.Insn
		if lbl.bound {
			tgt = at(lbl)
		} else {
			tgt = failTarget
		}
		if tgt == nil {
			return fmt.Errorf("patch: condition branch has no target")
		}
		for _, br := range brs {
			p := br.Ptr()
			p.Kind = asm.TargetInsn
			p.Insn = tgt
			p.Refresh()
			if i, ok := e.leafPos[br]; ok && lbl.bound {
				// Failing this leaf continues at another leaf.
				for j := i + 1; j < len(e.records); j++ {
					e.records[i].FailNext = j
					break
				}
			}
		}
	}
	return nil
}

// LowerCond serialises the tree and emits its guarded prologue. The
// returned instructions precede the insertion payload; branches that fail
// the condition target elseHead when non-nil, and otherwise the first
// instruction after the payload (the original successor).
func LowerCond(arch asm.Arch, c *Cond, elseHead, succ *asm.Insn, payload []*asm.Insn) (prologue []*asm.Insn, records []CondLeafRecord, err error) {
	if c == nil {
		return nil, nil, nil
	}
	e := &condEmitter{
		arch:    arch,
		pending: make(map[*condLabel][]*asm.Insn),
		leafPos: make(map[*asm.Insn]int),
	}
	// The fail label is never bound; resolve sends it to the else code.
	failLbl := e.newLabel()
	if err := e.emit(c, failLbl); err != nil {
		return nil, nil, err
	}
	fail := elseHead
	if fail == nil {
		fail = succ
	}
	if err := e.resolve(fail, payload); err != nil {
		return nil, nil, err
	}
	for _, ins := range e.insns {
		ins.Annotate(asm.AnnotNew)
	}
	return e.insns, e.records, nil
}
