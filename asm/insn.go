// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asm models a disassembled binary: instructions, operands,
// pointers between instructions and data, labels, sections, and the
// cross-reference indices linking them. It is the input contract between
// the disassembler front end and the patch engine.
package asm

// BadInsnCode is the opcode of a placeholder instruction. A patched copy
// created for pure relocation carries this code; its byte length at
// emission time is borrowed from the original instruction.
const BadInsnCode = -1

// Annotation is a bitset of properties attached to an instruction, either
// by the disassembler (JUMP, COND, RTRN) or by the patch engine (MOV, NEW,
// DEL, UPD).
type Annotation uint32

const (
	// AnnotJump marks any instruction that transfers control.
	AnnotJump Annotation = 1 << iota
	// AnnotCond marks a conditional branch.
	AnnotCond
	// AnnotReturn marks a function return.
	AnnotReturn
	// AnnotCall marks a function call.
	AnnotCall
	// AnnotNop marks a no-operation instruction.
	AnnotNop
	// AnnotMov marks an original instruction displaced into a moved block.
	AnnotMov
	// AnnotNew marks an instruction synthesised by the patcher.
	AnnotNew
	// AnnotDel marks an original instruction deleted by the patcher.
	AnnotDel
	// AnnotUpd marks an original instruction rewritten in place.
	AnnotUpd
	// AnnotUnreachable marks an instruction no live branch can reach.
	AnnotUnreachable
	// AnnotBeginList marks the first instruction of an indivisible run.
	AnnotBeginList
	// AnnotEndList marks the last instruction of an indivisible run.
	AnnotEndList
)

// TargetKind discriminates what a Pointer designates.
type TargetKind uint8

const (
	TargetNone TargetKind = iota
	TargetInsn
	TargetData
)

// AddrMode is the addressing mode of a pointer operand.
type AddrMode uint8

const (
	// AddrAbsolute operands hold the target address itself.
	AddrAbsolute AddrMode = iota
	// AddrRelative operands hold a displacement from the instruction.
	AddrRelative
	// AddrMemRel operands hold a displacement to a memory cell that in
	// turn holds the target address.
	AddrMemRel
)

// Pointer is a reference from an operand to an instruction or data entry.
// Addr caches the target's current address plus Offset; it is refreshed
// whenever the target moves.
type Pointer struct {
	Kind   TargetKind
	Insn   *Insn
	Data   *DataEntry
	Mode   AddrMode
	Addr   int64
	Offset int64
}

// Target returns the current address the pointer designates, including the
// in-target offset.
func (p *Pointer) Target() int64 {
	switch p.Kind {
	case TargetInsn:
		if p.Insn != nil {
			return p.Insn.Addr + p.Offset
		}
	case TargetData:
		if p.Data != nil {
			return p.Data.Addr + p.Offset
		}
	}
	return p.Addr
}

// Refresh recomputes the cached target address from the target handle.
func (p *Pointer) Refresh() {
	p.Addr = p.Target()
}

// OperandKind tells how an operand is encoded.
type OperandKind uint8

const (
	OperNone OperandKind = iota
	OperImm
	OperReg
	OperMem
	OperPtr
)

// Operand is a single instruction operand. Only pointer operands are
// interpreted by the patch engine; the rest are opaque payload carried
// through to the architecture driver.
type Operand struct {
	Kind OperandKind
	Imm  int64
	Reg  int16
	Base int16
	Idx  int16
	Scl  uint8
	Ptr  *Pointer
}

// Insn is a single machine instruction. Instructions produced by the
// disassembler are read-mostly: the engine only sets annotation bits on
// them. All other mutation goes through the patched-instruction map.
type Insn struct {
	Addr     int64
	Len      int
	MaxLen   int
	Code     int
	Operands []Operand
	Annot    Annotation
	Bytes    []byte

	// Section owning the instruction, nil for synthesised ones until
	// they are attached to a moved block.
	Section *Section
}

// Ptr returns the instruction's reference operand pointer, or nil if no
// operand carries one.
func (i *Insn) Ptr() *Pointer {
	for k := range i.Operands {
		if i.Operands[k].Kind == OperPtr && i.Operands[k].Ptr != nil {
			return i.Operands[k].Ptr
		}
	}
	return nil
}

// SetPtr installs p as the instruction's pointer operand, appending an
// operand if none exists yet.
func (i *Insn) SetPtr(p *Pointer) {
	for k := range i.Operands {
		if i.Operands[k].Kind == OperPtr {
			i.Operands[k].Ptr = p
			return
		}
	}
	i.Operands = append(i.Operands, Operand{Kind: OperPtr, Ptr: p})
}

// IsBranch reports whether the instruction transfers control somewhere
// other than the next instruction.
func (i *Insn) IsBranch() bool {
	return i.Annot&AnnotJump != 0
}

// EndsFlow reports whether control never falls through to the next
// instruction: returns and unconditional jumps.
func (i *Insn) EndsFlow() bool {
	if i.Annot&AnnotReturn != 0 {
		return true
	}
	return i.Annot&AnnotJump != 0 && i.Annot&AnnotCond == 0 && i.Annot&AnnotCall == 0
}

// End returns the address one past the instruction.
func (i *Insn) End() int64 {
	return i.Addr + int64(i.Len)
}

// Annotate sets the given annotation bits.
func (i *Insn) Annotate(a Annotation) {
	i.Annot |= a
}

// HasAnnot reports whether all bits in a are set.
func (i *Insn) HasAnnot(a Annotation) bool {
	return i.Annot&a == a
}
