// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package amd64 is the x86-64 architecture driver. Register-to-register
// moves and indirect jumps are assembled through golang-asm; PC-relative
// displacements are written into the encoding directly, since they are
// re-patched on every address-assembly pass anyway.
package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	asmb "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/go-binpatch/binpatch/asm"
)

// Opcode values of the instructions the driver synthesises. Instructions
// coming from a disassembler keep their own codes and are re-emitted from
// their original bytes (OpRaw).
const (
	OpRaw = iota + 0x100
	OpNop
	OpRet
	OpJmp8
	OpJmp32
	OpJmpMem // FF /4 RIP-relative
	OpMovAbsRAX
	OpJmpRAX
	OpCall32
	OpJcc8
	OpJcc32
	OpCmpRAX
	OpMovR15RSP // stash RSP before a stack switch
	OpMovAbsRSP
	OpMovRSPR15 // restore RSP
)

type amd64 struct{}

// Arch is the shared driver instance.
var Arch asm.Arch = amd64{}

func init() {
	asm.RegisterArch(Arch)
}

func (amd64) Name() string { return "amd64" }

func (amd64) PtrSize() int { return 8 }

func (amd64) ByteSize(kind asm.JumpKind) int {
	switch kind {
	case asm.JumpSmall:
		return 2
	case asm.JumpDirect:
		return 5
	case asm.JumpMemRel:
		return 6
	case asm.JumpIndirect:
		return 12 // movabs rax, imm64 ; jmp rax
	}
	return 0
}

func (amd64) SignedReach(kind asm.JumpKind) asm.Reach {
	switch kind {
	case asm.JumpSmall:
		return asm.Reach{Min: math.MinInt8, Max: math.MaxInt8}
	case asm.JumpDirect, asm.JumpMemRel:
		return asm.Reach{Min: math.MinInt32, Max: math.MaxInt32}
	}
	return asm.Reach{Min: math.MinInt64, Max: math.MaxInt64}
}

func (amd64) StubLabelName(fct string) string {
	return fct + "@plt"
}

func (amd64) IsNop(ins *asm.Insn) bool {
	return ins.Code == OpNop
}

func (amd64) PaddingInsn() *asm.Insn {
	return &asm.Insn{Code: OpNop, Len: 1, MaxLen: 1, Annot: asm.AnnotNop, Bytes: []byte{0x90}}
}

// nops holds the canonical Intel multi-byte NOP encodings, indexed by
// length.
var nops = [][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0f, 0x1f, 0x00},
	4: {0x0f, 0x1f, 0x40, 0x00},
	5: {0x0f, 0x1f, 0x44, 0x00, 0x00},
	6: {0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	7: {0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	8: {0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	9: {0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

func (amd64) GenerateNop(size int) (*asm.Insn, error) {
	if size < 1 || size >= len(nops) {
		return nil, fmt.Errorf("amd64: no %d-byte nop", size)
	}
	b := make([]byte, size)
	copy(b, nops[size])
	return &asm.Insn{Code: OpNop, Len: size, MaxLen: size, Annot: asm.AnnotNop, Bytes: b}, nil
}

func (amd64) GenerateJump(kind asm.JumpKind, from int64) ([]*asm.Insn, *asm.Insn, *asm.Pointer, error) {
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
		cellptr := &asm.Pointer{Kind: asm.TargetInsn, Mode: asm.AddrAbsolute}
		j := &asm.Insn{Addr: from, Code: OpJmpMem, Len: 6, MaxLen: 6, Annot: asm.AnnotJump}
		j.SetPtr(&asm.Pointer{Kind: asm.TargetData, Mode: asm.AddrMemRel})
		return []*asm.Insn{j}, j, cellptr, nil
	case asm.JumpIndirect:
		ptr := &asm.Pointer{Kind: asm.TargetInsn, Mode: asm.AddrAbsolute}
		mov := &asm.Insn{Addr: from, Code: OpMovAbsRAX, Len: 10, MaxLen: 10}
		mov.SetPtr(ptr)
		jmp := &asm.Insn{Addr: from + 10, Code: OpJmpRAX, Len: 2, MaxLen: 2, Annot: asm.AnnotJump}
		return []*asm.Insn{mov, jmp}, jmp, ptr, nil
	}
	return nil, nil, nil, fmt.Errorf("amd64: unknown jump kind %v", kind)
}

func (amd64) GenerateCall(callee *asm.Pointer, stack asm.StackPolicy) ([]*asm.Insn, *asm.Insn, error) {
	call := &asm.Insn{Code: OpCall32, Len: 5, MaxLen: 5, Annot: asm.AnnotJump | asm.AnnotCall}
	call.SetPtr(callee)
	if stack.NewStack == 0 {
		return []*asm.Insn{call}, call, nil
	}
	// Switch to the patcher-owned stack around the call. The movabs
	// carries a pointer to the stack area's top, bound by the caller.
	save := &asm.Insn{Code: OpMovR15RSP, Len: 3, MaxLen: 3}
	load := &asm.Insn{Code: OpMovAbsRSP, Len: 10, MaxLen: 10}
	load.SetPtr(&asm.Pointer{Kind: asm.TargetData, Mode: asm.AddrAbsolute, Offset: stack.NewStack})
	restore := &asm.Insn{Code: OpMovRSPR15, Len: 3, MaxLen: 3}
	return []*asm.Insn{save, load, call, restore}, call, nil
}

// ccs maps a condition operator to its Jcc opcode nibble.
var ccs = map[asm.CondOp]byte{
	asm.CondEQ: 0x4,
	asm.CondNE: 0x5,
	asm.CondLT: 0xc,
	asm.CondLE: 0xe,
	asm.CondGT: 0xf,
	asm.CondGE: 0xd,
}

func (amd64) GenerateCompare(op asm.CondOp, value int64) ([]*asm.Insn, *asm.Insn, error) {
	if value < math.MinInt32 || value > math.MaxInt32 {
		return nil, nil, fmt.Errorf("amd64: compare immediate %#x does not fit in 32 bits", value)
	}
	cmp := &asm.Insn{Code: OpCmpRAX, Len: 6, MaxLen: 6,
		Operands: []asm.Operand{{Kind: asm.OperImm, Imm: value}}}
	br := &asm.Insn{Code: OpJcc8, Len: 2, MaxLen: 6, Annot: asm.AnnotJump | asm.AnnotCond,
		Operands: []asm.Operand{{Kind: asm.OperImm, Imm: int64(ccs[op])}}}
	br.SetPtr(&asm.Pointer{Kind: asm.TargetInsn, Mode: asm.AddrRelative})
	return []*asm.Insn{cmp, br}, br, nil
}

func (amd64) MaxByteSize(ins *asm.Insn) int {
	switch ins.Code {
	case OpJmp8, OpJmp32:
		return 5
	case OpJcc8, OpJcc32:
		return 6
	}
	if ins.MaxLen > 0 {
		return ins.MaxLen
	}
	return ins.Len
}

// assembleProgs runs a prog-building function through a golang-asm
// builder and returns the machine code.
func assembleProgs(build func(*asmb.Builder)) ([]byte, error) {
	builder, err := asmb.NewBuilder("amd64", 8)
	if err != nil {
		return nil, err
	}
	build(builder)
	return builder.Assemble(), nil
}

func regMove(b *asmb.Builder, dst, src int16) {
	prog := b.NewProg()
	prog.As = x86.AMOVQ
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = src
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = dst
	b.AddInstruction(prog)
}

func rel(ins *asm.Insn, length int) int64 {
	p := ins.Ptr()
	if p == nil {
		return 0
	}
	return p.Target() - (ins.Addr + int64(length))
}

func fitsInt8(v int64) bool { return v >= math.MinInt8 && v <= math.MaxInt8 }

func appendRel32(b []byte, v int64) []byte {
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(int32(v)))
	return append(b, d[:]...)
}

func (a amd64) Encode(ins *asm.Insn, allowOpcodeChange bool) ([]byte, error) {
	switch ins.Code {
	case asm.BadInsnCode:
		return nil, fmt.Errorf("amd64: cannot encode placeholder instruction at %#x", ins.Addr)

	case OpRaw:
		ins.Len = len(ins.Bytes)
		return ins.Bytes, nil

	case OpNop:
		if ins.Bytes == nil {
			ins.Bytes = []byte{0x90}
		}
		ins.Len = len(ins.Bytes)
		return ins.Bytes, nil

	case OpRet:
		ins.Len = 1
		return []byte{0xc3}, nil

	case OpJmp8:
		d := rel(ins, 2)
		if fitsInt8(d) {
			ins.Len = 2
			return []byte{0xeb, byte(int8(d))}, nil
		}
		if !allowOpcodeChange {
			return nil, asm.ErrSizeWouldChange
		}
		ins.Code = OpJmp32
		return a.Encode(ins, allowOpcodeChange)

	case OpJmp32:
		ins.Len = 5
		return appendRel32([]byte{0xe9}, rel(ins, 5)), nil

	case OpJmpMem:
		ins.Len = 6
		return appendRel32([]byte{0xff, 0x25}, rel(ins, 6)), nil

	case OpCall32:
		ins.Len = 5
		return appendRel32([]byte{0xe8}, rel(ins, 5)), nil

	case OpJcc8:
		cc := byte(ins.Operands[0].Imm)
		d := rel(ins, 2)
		if fitsInt8(d) {
			ins.Len = 2
			return []byte{0x70 | cc, byte(int8(d))}, nil
		}
		if !allowOpcodeChange {
			return nil, asm.ErrSizeWouldChange
		}
		ins.Code = OpJcc32
		return a.Encode(ins, allowOpcodeChange)

	case OpJcc32:
		cc := byte(ins.Operands[0].Imm)
		ins.Len = 6
		return appendRel32([]byte{0x0f, 0x80 | cc}, rel(ins, 6)), nil

	case OpCmpRAX:
		ins.Len = 6
		return appendRel32([]byte{0x48, 0x3d}, ins.Operands[0].Imm), nil

	case OpMovAbsRAX:
		var tgt int64
		if p := ins.Ptr(); p != nil {
			tgt = p.Target()
		}
		out, err := assembleProgs(func(b *asmb.Builder) {
			prog := b.NewProg()
			prog.As = x86.AMOVQ
			prog.From.Type = obj.TYPE_CONST
			prog.From.Offset = tgt
			prog.To.Type = obj.TYPE_REG
			prog.To.Reg = x86.REG_AX
			b.AddInstruction(prog)
		})
		if err != nil {
			return nil, err
		}
		ins.Len = len(out)
		return out, nil

	case OpMovAbsRSP:
		var tgt int64
		if p := ins.Ptr(); p != nil {
			tgt = p.Target()
		}
		out, err := assembleProgs(func(b *asmb.Builder) {
			prog := b.NewProg()
			prog.As = x86.AMOVQ
			prog.From.Type = obj.TYPE_CONST
			prog.From.Offset = tgt
			prog.To.Type = obj.TYPE_REG
			prog.To.Reg = x86.REG_SP
			b.AddInstruction(prog)
		})
		if err != nil {
			return nil, err
		}
		ins.Len = len(out)
		return out, nil

	case OpJmpRAX:
		out, err := assembleProgs(func(b *asmb.Builder) {
			prog := b.NewProg()
			prog.As = obj.AJMP
			prog.To.Type = obj.TYPE_REG
			prog.To.Reg = x86.REG_AX
			b.AddInstruction(prog)
		})
		if err != nil {
			return nil, err
		}
		ins.Len = len(out)
		return out, nil

	case OpMovR15RSP:
		out, err := assembleProgs(func(b *asmb.Builder) { regMove(b, x86.REG_R15, x86.REG_SP) })
		if err != nil {
			return nil, err
		}
		ins.Len = len(out)
		return out, nil

	case OpMovRSPR15:
		out, err := assembleProgs(func(b *asmb.Builder) { regMove(b, x86.REG_SP, x86.REG_R15) })
		if err != nil {
			return nil, err
		}
		ins.Len = len(out)
		return out, nil
	}

	// Untouched disassembler instructions re-emit their original bytes.
	if len(ins.Bytes) > 0 {
		ins.Len = len(ins.Bytes)
		return ins.Bytes, nil
	}
	return nil, fmt.Errorf("amd64: unknown opcode %#x at %#x", ins.Code, ins.Addr)
}
