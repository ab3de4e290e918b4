// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testarch implements a small fixed little-endian ISA used by the
// engine tests. Displacements are relative to the end of the instruction,
// x86-style: a 2-byte short jump with rel8 reach, a 5-byte direct jump
// with rel32 reach, a 6-byte memory-relative jump, and a 9-byte absolute
// indirect jump.
package testarch

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-binpatch/binpatch/asm"
)

// Opcode values. The byte encoding starts with the opcode value itself.
const (
	OpNop    = 0x01 // 1 byte
	OpRet    = 0x02 // 1 byte
	OpConst  = 0x03 // 5 bytes: imm32 payload
	OpJmp8   = 0x04 // 2 bytes: rel8
	OpJmp32  = 0x05 // 5 bytes: rel32
	OpJmpMem = 0x06 // 6 bytes: sub-op + rel32 to an address cell
	OpJmpAbs = 0x07 // 9 bytes: abs64
	OpBr8    = 0x08 // 2 bytes: conditional rel8
	OpBr32   = 0x09 // 6 bytes: conditional sub-op + rel32
	OpCall   = 0x0a // 5 bytes: rel32
	OpCmp    = 0x0b // 5 bytes: imm32
	OpLoad   = 0x0c // 5 bytes: rel32 to a data entry
	OpPush   = 0x0d // 2 bytes: imm8
)

type testArch struct{}

// Arch is the shared driver instance.
var Arch asm.Arch = testArch{}

func init() {
	asm.RegisterArch(Arch)
}

func (testArch) Name() string { return "test" }

func (testArch) PtrSize() int { return 8 }

func (testArch) ByteSize(kind asm.JumpKind) int {
	switch kind {
	case asm.JumpSmall:
		return 2
	case asm.JumpDirect:
		return 5
	case asm.JumpMemRel:
		return 6
	case asm.JumpIndirect:
		return 9
	}
	return 0
}

func (testArch) SignedReach(kind asm.JumpKind) asm.Reach {
	switch kind {
	case asm.JumpSmall:
		return asm.Reach{Min: math.MinInt8, Max: math.MaxInt8}
	case asm.JumpDirect, asm.JumpMemRel:
		return asm.Reach{Min: math.MinInt32, Max: math.MaxInt32}
	}
	return asm.Reach{Min: math.MinInt64, Max: math.MaxInt64}
}

func (testArch) StubLabelName(fct string) string {
	return fct + "@stub"
}

func (testArch) IsNop(ins *asm.Insn) bool {
	return ins.Code == OpNop
}

func (testArch) PaddingInsn() *asm.Insn {
	return &asm.Insn{Code: OpNop, Len: 1, MaxLen: 1, Annot: asm.AnnotNop}
}

func (testArch) GenerateNop(size int) (*asm.Insn, error) {
	if size != 1 {
		return nil, fmt.Errorf("testarch: no %d-byte nop", size)
	}
	return &asm.Insn{Code: OpNop, Len: 1, MaxLen: 1, Annot: asm.AnnotNop}, nil
}

func (a testArch) GenerateJump(kind asm.JumpKind, from int64) ([]*asm.Insn, *asm.Insn, *asm.Pointer, error) {
	switch kind {
	case asm.JumpSmall:
		ptr := &asm.Pointer{Kind: asm.TargetInsn, Mode: asm.AddrRelative}
		j := &asm.Insn{Addr: from, Code: OpJmp8, Len: 2, MaxLen: 5, Annot: asm.AnnotJump}
		j.SetPtr(ptr)
		return []*asm.Insn{j}, j, ptr, nil
	case asm.JumpDirect:
		ptr := &asm.Pointer{Kind: asm.TargetInsn, Mode: asm.AddrRelative}
		j := &asm.Insn{Addr: from, Code: OpJmp32, Len: 5, MaxLen: 5, Annot: asm.AnnotJump}
		j.SetPtr(ptr)
		return []*asm.Insn{j}, j, ptr, nil
	case asm.JumpMemRel:
		// The branch operand designates the address cell; the returned
		// pointer is the cell's and must be bound to the destination.
		cellptr := &asm.Pointer{Kind: asm.TargetInsn, Mode: asm.AddrAbsolute}
		j := &asm.Insn{Addr: from, Code: OpJmpMem, Len: 6, MaxLen: 6, Annot: asm.AnnotJump}
		j.SetPtr(&asm.Pointer{Kind: asm.TargetData, Mode: asm.AddrMemRel})
		return []*asm.Insn{j}, j, cellptr, nil
	case asm.JumpIndirect:
		ptr := &asm.Pointer{Kind: asm.TargetInsn, Mode: asm.AddrAbsolute}
		j := &asm.Insn{Addr: from, Code: OpJmpAbs, Len: 9, MaxLen: 9, Annot: asm.AnnotJump}
		j.SetPtr(ptr)
		return []*asm.Insn{j}, j, ptr, nil
	}
	return nil, nil, nil, fmt.Errorf("testarch: unknown jump kind %v", kind)
}

func (testArch) GenerateCall(callee *asm.Pointer, stack asm.StackPolicy) ([]*asm.Insn, *asm.Insn, error) {
	c := &asm.Insn{Code: OpCall, Len: 5, MaxLen: 5, Annot: asm.AnnotJump | asm.AnnotCall}
	c.SetPtr(callee)
	return []*asm.Insn{c}, c, nil
}

func (testArch) GenerateCompare(op asm.CondOp, value int64) ([]*asm.Insn, *asm.Insn, error) {
	cmp := &asm.Insn{Code: OpCmp, Len: 5, MaxLen: 5, Operands: []asm.Operand{{Kind: asm.OperImm, Imm: value}}}
	br := &asm.Insn{Code: OpBr8, Len: 2, MaxLen: 6, Annot: asm.AnnotJump | asm.AnnotCond,
		Operands: []asm.Operand{{Kind: asm.OperImm, Imm: int64(op)}}}
	br.SetPtr(&asm.Pointer{Kind: asm.TargetInsn, Mode: asm.AddrRelative})
	return []*asm.Insn{cmp, br}, br, nil
}

func (testArch) MaxByteSize(ins *asm.Insn) int {
	switch ins.Code {
	case OpNop, OpRet:
		return 1
	case OpJmp8, OpJmp32:
		return 5
	case OpBr8, OpBr32:
		return 6
	case OpJmpMem:
		return 6
	case OpJmpAbs:
		return 9
	case OpConst, OpCall, OpCmp, OpLoad:
		return 5
	case OpPush:
		return 2
	}
	if ins.MaxLen > 0 {
		return ins.MaxLen
	}
	return ins.Len
}

// rel computes the displacement to the pointer target assuming the
// instruction encodes to length at its current address.
func rel(ins *asm.Insn, length int) int64 {
	p := ins.Ptr()
	if p == nil {
		return 0
	}
	return p.Target() - (ins.Addr + int64(length))
}

func fitsInt8(v int64) bool { return v >= math.MinInt8 && v <= math.MaxInt8 }

func (a testArch) Encode(ins *asm.Insn, allowOpcodeChange bool) ([]byte, error) {
	switch ins.Code {
	case asm.BadInsnCode:
		return nil, fmt.Errorf("testarch: cannot encode placeholder instruction at %#x", ins.Addr)

	case OpNop, OpRet:
		ins.Len = 1
		return []byte{byte(ins.Code)}, nil

	case OpJmp8:
		d := rel(ins, 2)
		if fitsInt8(d) {
			ins.Len = 2
			return []byte{OpJmp8, byte(int8(d))}, nil
		}
		if !allowOpcodeChange {
			return nil, asm.ErrSizeWouldChange
		}
		// Widen; never narrowed again this session.
		ins.Code = OpJmp32
		return a.Encode(ins, allowOpcodeChange)

	case OpJmp32:
		ins.Len = 5
		return appendRel32([]byte{OpJmp32}, rel(ins, 5)), nil

	case OpBr8:
		d := rel(ins, 2)
		if fitsInt8(d) {
			ins.Len = 2
			return []byte{OpBr8, byte(int8(d))}, nil
		}
		if !allowOpcodeChange {
			return nil, asm.ErrSizeWouldChange
		}
		ins.Code = OpBr32
		return a.Encode(ins, allowOpcodeChange)

	case OpBr32:
		ins.Len = 6
		return appendRel32([]byte{OpBr32, 0x00}, rel(ins, 6)), nil

	case OpJmpMem:
		ins.Len = 6
		return appendRel32([]byte{OpJmpMem, 0x25}, rel(ins, 6)), nil

	case OpJmpAbs:
		ins.Len = 9
		out := make([]byte, 9)
		out[0] = OpJmpAbs
		var tgt int64
		if p := ins.Ptr(); p != nil {
			tgt = p.Target()
		}
		binary.LittleEndian.PutUint64(out[1:], uint64(tgt))
		return out, nil

	case OpCall, OpLoad:
		ins.Len = 5
		return appendRel32([]byte{byte(ins.Code)}, rel(ins, 5)), nil

	case OpConst, OpCmp:
		ins.Len = 5
		var imm int64
		if len(ins.Operands) > 0 {
			imm = ins.Operands[0].Imm
		}
		return appendRel32([]byte{byte(ins.Code)}, imm), nil

	case OpPush:
		ins.Len = 2
		var imm int64
		if len(ins.Operands) > 0 {
			imm = ins.Operands[0].Imm
		}
		return []byte{OpPush, byte(int8(imm))}, nil
	}
	return nil, fmt.Errorf("testarch: unknown opcode %#x at %#x", ins.Code, ins.Addr)
}

func appendRel32(b []byte, v int64) []byte {
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(int32(v)))
	return append(b, d[:]...)
}
