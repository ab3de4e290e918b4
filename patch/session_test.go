// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-binpatch/binpatch/asm"
	"github.com/go-binpatch/binpatch/asm/arch/testarch"
	"github.com/go-binpatch/binpatch/binfile"
)

func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// filler appends enough code that the reservation estimates clear the
// safety margins and the direct flavor stays available.
func (p *prog) filler(n int) {
	p.label("filler", p.addr, asm.LabelGeneric)
	for i := 0; i < n; i++ {
		p.ins(testarch.OpConst, int64(0x1000+i))
	}
}

// A 16-byte untargeted block with a NOP insertion: the block is
// displaced behind a direct jump, the new code holds the NOPs, the
// copied bytes, and a return jump to the original successor.
func TestInsertNopsMovesBlock(t *testing.T) {
	p := newProg(t, 0x400080)
	i0 := p.ins(testarch.OpConst, 1)
	p.ins(testarch.OpConst, 2)
	p.ins(testarch.OpConst, 3)
	p.ins(testarch.OpNop, 0)
	p.label("tail", p.addr, asm.LabelGeneric)
	p.ins(testarch.OpRet, 0)
	p.filler(24)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})

	s := newTestSession(t, f, im)
	nops := make([]*asm.Insn, 3)
	for i := range nops {
		n, err := testarch.Arch.GenerateNop(1)
		require.NoError(t, err)
		nops[i] = n
	}
	_, err := s.Insert(0x400080, nops, PosBefore, 0)
	require.NoError(t, err)
	finalise(t, s)

	blocks := s.Blocks()
	require.Len(t, blocks, 1)
	b := blocks[0]
	require.Equal(t, asm.JumpDirect, b.Flavor)
	require.Equal(t, int64(16), b.OrigSize)
	require.Nil(t, b.Host)

	text := sectionNamed(t, im, ".text")
	require.Equal(t, byte(testarch.OpJmp32), text.Bytes[0])
	require.Equal(t, uint32(b.NewAddr-(0x400080+5)), le32(text.Bytes[1:5]))
	for off := 5; off < 16; off++ {
		require.Equal(t, byte(testarch.OpNop), text.Bytes[off], "padding at offset %d", off)
	}
	require.Equal(t, byte(testarch.OpRet), text.Bytes[16], "successor untouched")

	sec := sectionNamed(t, im, ".bpatch.text.0")
	require.Equal(t, b.NewAddr, sec.Addr)
	require.Equal(t, []byte{testarch.OpNop, testarch.OpNop, testarch.OpNop}, sec.Bytes[0:3])
	require.Equal(t, i0.Bytes, sec.Bytes[3:8], "original block copied")
	require.Equal(t, byte(testarch.OpJmp32), sec.Bytes[19])
	retAddr := b.NewAddr + 19
	require.Equal(t, uint32(0x400090-(retAddr+5)), le32(sec.Bytes[20:24]))

	found := false
	for _, l := range im.Labels() {
		if l.Name == "block@0x400080" {
			found = true
			require.Equal(t, b.NewAddr, l.Addr)
		}
	}
	require.True(t, found, "moved block label installed")
}

// A 2-byte instruction replaced by 7 bytes: the enclosing block moves,
// the in-block branch aimed at the replaced instruction follows it to
// the replacement's new address, and outside code reaches the moved
// block through the jump at the original site.
func TestReplaceGrows(t *testing.T) {
	p := newProg(t, 0x401000)
	p.ins(testarch.OpConst, 0x11)
	i1 := p.ins(testarch.OpPush, 1)
	p.ins(testarch.OpConst, 0x22)
	i3 := p.br(testarch.OpBr8, 0x401005)
	p.ins(testarch.OpRet, 0)
	p.filler(25)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})

	s := newTestSession(t, f, im)
	repl := []*asm.Insn{
		{Code: testarch.OpPush, Len: 2, MaxLen: 2, Operands: []asm.Operand{{Kind: asm.OperImm, Imm: 9}}},
		{Code: testarch.OpConst, Len: 5, MaxLen: 5, Operands: []asm.Operand{{Kind: asm.OperImm, Imm: 0x33}}},
	}
	m, err := s.Replace(0x401005, repl, 0)
	require.NoError(t, err)
	finalise(t, s)

	require.Equal(t, int64(5), m.SizeDelta)
	blocks := s.Blocks()
	require.Len(t, blocks, 1)
	b := blocks[0]
	require.Equal(t, int64(0x401005), b.OrigStart())
	require.Equal(t, int64(9), b.OrigSize)

	// The anchor's patched copy is the replacement's head, and the
	// in-block branch follows it.
	pi := s.pm.Get(i1)
	require.Equal(t, repl[0], pi.New)
	require.True(t, i1.HasAnnot(asm.AnnotDel))
	brCopy := s.pm.Get(i3)
	require.Equal(t, repl[0], brCopy.New.Ptr().Insn)

	sec := sectionNamed(t, im, ".bpatch.text.0")
	require.Equal(t, []byte{testarch.OpPush, 9}, sec.Bytes[0:2])
	require.Equal(t, byte(testarch.OpConst), sec.Bytes[2])
	require.Equal(t, uint32(0x33), le32(sec.Bytes[3:7]))
	require.Equal(t, byte(testarch.OpConst), sec.Bytes[7])
	// Backward branch to the replacement: -14 from the end of the 2-byte
	// encoding at offset 12.
	require.Equal(t, []byte{testarch.OpBr8, 0xf2}, sec.Bytes[12:14])
	require.Equal(t, byte(testarch.OpJmp32), sec.Bytes[14])
	require.Equal(t, uint32(0x40100e-(b.NewAddr+14+5)), le32(sec.Bytes[15:19]))

	text := sectionNamed(t, im, ".text")
	require.Equal(t, byte(testarch.OpJmp32), text.Bytes[5], "entry jump at the original site")
	require.Equal(t, uint32(b.NewAddr-(0x401005+5)), le32(text.Bytes[6:10]))
	for off := 10; off < 14; off++ {
		require.Equal(t, byte(testarch.OpNop), text.Bytes[off])
	}
	require.Equal(t, byte(testarch.OpRet), text.Bytes[14])
}

// A 3-byte block cannot hold the 5-byte direct jump: a neighbouring
// 16-byte block is drafted as trampoline host, the small site gets a
// 2-byte hop into the host's spare bytes, and both blocks reappear in
// the new code section.
func TestTrampoline(t *testing.T) {
	p := newProg(t, 0x4000c0)
	p.ins(testarch.OpConst, 1)
	p.ins(testarch.OpConst, 2)
	p.ins(testarch.OpConst, 3)
	p.ins(testarch.OpNop, 0)
	p.label("mid", p.addr, asm.LabelGeneric)
	p.ins(testarch.OpRet, 0)
	p.label("small", p.addr, asm.LabelGeneric)
	small := p.ins(testarch.OpPush, 7)
	p.ins(testarch.OpNop, 0)
	p.label("after", p.addr, asm.LabelGeneric)
	p.ins(testarch.OpRet, 0)
	p.filler(24)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})
	require.Equal(t, int64(0x4000d1), small.Addr)

	s := newTestSession(t, f, im)
	nop, err := testarch.Arch.GenerateNop(1)
	require.NoError(t, err)
	_, err = s.Insert(small.Addr, []*asm.Insn{nop}, PosBefore, 0)
	require.NoError(t, err)
	finalise(t, s)

	blocks := s.Blocks()
	require.Len(t, blocks, 2)
	host, sb := blocks[0], blocks[1]
	require.Equal(t, int64(0x4000c0), host.OrigStart())
	require.Equal(t, host, sb.Host)
	require.Equal(t, []*MovedBlock{sb}, host.HostUsers)

	text := sectionNamed(t, im, ".text")
	// Host entry jump, then the hosted full jump in its spare bytes.
	require.Equal(t, byte(testarch.OpJmp32), text.Bytes[0])
	require.Equal(t, uint32(host.NewAddr-(0x4000c0+5)), le32(text.Bytes[1:5]))
	require.Equal(t, byte(testarch.OpJmp32), text.Bytes[5])
	require.Equal(t, uint32(sb.NewAddr-(0x4000c5+5)), le32(text.Bytes[6:10]))
	// Small site: 2-byte hop back to the hosted jump.
	require.Equal(t, []byte{testarch.OpJmp8, 0xf2}, text.Bytes[0x11:0x13])
	require.Equal(t, byte(testarch.OpNop), text.Bytes[0x13])
}

// Deleting a branch target: the target becomes a tombstone, and the
// branch is re-aimed at the first non-deleted successor's emission site.
func TestDeleteBranchTarget(t *testing.T) {
	p := newProg(t, 0x401100)
	i0 := p.br(testarch.OpBr32, 0x40110d)
	p.ins(testarch.OpConst, 1)
	p.ins(testarch.OpPush, 2)
	i3 := p.ins(testarch.OpConst, 3)
	i4 := p.ins(testarch.OpNop, 0)
	p.ins(testarch.OpRet, 0)
	p.filler(25)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})
	require.Equal(t, int64(0x40110d), i3.Addr)

	s := newTestSession(t, f, im)
	_, err := s.Delete(0x40110d, 0)
	require.NoError(t, err)
	finalise(t, s)

	require.True(t, s.pm.Get(i3).IsTombstone())
	require.True(t, i3.HasAnnot(asm.AnnotDel))

	// The branch was rewritten in place toward the successor's copy.
	brCopy := s.pm.Get(i0)
	require.NotNil(t, brCopy)
	require.Nil(t, brCopy.Block)
	require.True(t, i0.HasAnnot(asm.AnnotUpd))
	succCopy := s.pm.Get(i4)
	require.Equal(t, succCopy.New, brCopy.New.Ptr().Insn)

	b := s.Blocks()[0]
	require.Equal(t, b.NewAddr, succCopy.New.Addr, "tombstone elided from the moved code")

	text := sectionNamed(t, im, ".text")
	require.Equal(t, byte(testarch.OpBr32), text.Bytes[0])
	require.Equal(t, uint32(b.NewAddr-(0x401100+6)), le32(text.Bytes[2:6]))

	// No patcher-created branch may still aim at the tombstone.
	require.Empty(t, f.Refs.NewBranches[i3])
}

// A call insertion against a dynamic binary: the library requirement and
// the stub are created, and the call binds to the stub's address.
func TestInsertCallDynamic(t *testing.T) {
	p := newProg(t, 0x401000)
	p.ins(testarch.OpConst, 1)
	p.ins(testarch.OpPush, 2)
	p.ins(testarch.OpRet, 0)
	p.filler(25)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})
	im.Dynamic = true
	im.DeclareStubArea(0x403000, 16)

	s := newTestSession(t, f, im)
	_, err := s.InsertCall(0x401000, "malloc", "libc.so.6", PosBefore, 0)
	require.NoError(t, err)
	finalise(t, s)

	require.Equal(t, []string{"libc.so.6"}, im.Libraries())
	stub := im.Stub("malloc@stub")
	require.NotNil(t, stub)
	require.Equal(t, int64(0x403000), stub.Addr)

	b := s.Blocks()[0]
	sec := sectionNamed(t, im, ".bpatch.text.0")
	require.Equal(t, byte(testarch.OpCall), sec.Bytes[0])
	require.Equal(t, uint32(stub.Addr-(b.NewAddr+5)), le32(sec.Bytes[1:5]))
	// The block ends in the original return; no return jump follows it.
	last := lastLive(b)
	require.True(t, last.New == nil || last.Orig.HasAnnot(asm.AnnotReturn) || last.New.HasAnnot(asm.AnnotReturn))
}

// The same call against a static binary is a hard error.
func TestInsertCallStaticFails(t *testing.T) {
	p := newProg(t, 0x401000)
	p.ins(testarch.OpConst, 1)
	p.ins(testarch.OpRet, 0)
	p.filler(25)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})

	s := newTestSession(t, f, im)
	_, err := s.InsertCall(0x401000, "malloc", "libc.so.6", PosBefore, 0)
	require.NoError(t, err)
	err = s.Finalise(t.TempDir() + "/out.bin")
	require.Error(t, err)
}

// Oversubscribed reachable window: the store falls back to reserving all
// branch-reachable space with a warning, and the block falls through to
// the fully indirect flavor.
func TestOversubscribedWindow(t *testing.T) {
	p := newProg(t, 0x400080)
	p.ins(testarch.OpConst, 1)
	p.ins(testarch.OpConst, 2)
	p.ins(testarch.OpConst, 3)
	p.ins(testarch.OpNop, 0)
	p.label("tail", p.addr, asm.LabelGeneric)
	p.ins(testarch.OpRet, 0)
	p.filler(24)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x402040})

	s := newTestSession(t, f, im)
	require.Equal(t, asm.WarnReserveOversubscribed, s.LastError())

	nop, err := testarch.Arch.GenerateNop(1)
	require.NoError(t, err)
	_, err = s.Insert(0x400080, []*asm.Insn{nop}, PosBefore, 0)
	require.NoError(t, err)
	finalise(t, s)

	b := s.Blocks()[0]
	require.Equal(t, asm.JumpIndirect, b.Flavor)

	text := sectionNamed(t, im, ".text")
	require.Equal(t, byte(testarch.OpJmpAbs), text.Bytes[0])
	require.Equal(t, uint64(b.NewAddr), binary.LittleEndian.Uint64(text.Bytes[1:9]))
}

// A backward branch over a growing insertion must widen from rel8 to
// rel32, forcing the fixpoint to re-run and converge.
func TestBranchWidens(t *testing.T) {
	p := newProg(t, 0x404000)
	i0 := p.ins(testarch.OpPush, 1)
	p.ins(testarch.OpConst, 2)
	i2 := p.br(testarch.OpBr8, 0x404000)
	p.ins(testarch.OpRet, 0)
	p.filler(26)
	f, im := p.build(binfile.Range{Addr: 0x404800, End: 0x406000})

	s := newTestSession(t, f, im)
	payload := make([]*asm.Insn, 26)
	for i := range payload {
		payload[i] = &asm.Insn{Code: testarch.OpConst, Len: 5, MaxLen: 5,
			Operands: []asm.Operand{{Kind: asm.OperImm, Imm: int64(i)}}}
	}
	_, err := s.Insert(0x404000, payload, PosAfter, 0)
	require.NoError(t, err)
	finalise(t, s)

	brCopy := s.pm.Get(i2)
	require.Equal(t, testarch.OpBr32, brCopy.New.Code)
	require.Equal(t, 6, brCopy.New.Len)
	require.Equal(t, s.pm.Get(i0).New, brCopy.New.Ptr().Insn)
}

// A block exactly the size of the direct jump needs no trampoline; one
// byte smaller and with no host in reach, the insertion is rejected
// unless forced.
func TestJumpFitBoundaries(t *testing.T) {
	build := func() (*asm.File, *binfile.Image, int64) {
		p := newProg(t, 0x400100)
		p.label("a", p.addr, asm.LabelGeneric)
		anchor := p.ins(testarch.OpConst, 1)
		p.label("b", p.addr, asm.LabelGeneric)
		p.ins(testarch.OpRet, 0)
		p.filler(26)
		f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})
		return f, im, anchor.Addr
	}

	f, im, addr := build()
	s := newTestSession(t, f, im)
	nop, _ := testarch.Arch.GenerateNop(1)
	_, err := s.Insert(addr, []*asm.Insn{nop}, PosBefore, 0)
	require.NoError(t, err)
	finalise(t, s)
	require.Nil(t, s.Blocks()[0].Host, "5-byte block takes the direct jump as is")

	// Now a 4-byte block with nothing nearby to host a trampoline.
	small := func() (*asm.File, *binfile.Image, int64) {
		p := newProg(t, 0x400100)
		p.label("a", p.addr, asm.LabelGeneric)
		anchor := p.ins(testarch.OpPush, 1)
		p.ins(testarch.OpPush, 2)
		p.label("b", p.addr, asm.LabelGeneric)
		p.ins(testarch.OpRet, 0)
		f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x402040})
		return f, im, anchor.Addr
	}

	f2, im2, addr2 := small()
	s2 := newTestSession(t, f2, im2)
	nop2, _ := testarch.Arch.GenerateNop(1)
	_, err = s2.Insert(addr2, []*asm.Insn{nop2}, PosBefore, 0)
	require.NoError(t, err)
	require.Error(t, s2.Finalise(t.TempDir()+"/out.bin"))

	f3, im3, addr3 := small()
	s3 := newTestSession(t, f3, im3)
	nop3, _ := testarch.Arch.GenerateNop(1)
	_, err = s3.Insert(addr3, []*asm.Insn{nop3}, PosBefore, ForceInsert)
	require.NoError(t, err)
	require.NoError(t, s3.Finalise(t.TempDir()+"/out.bin"))
	require.Equal(t, asm.WarnSizeTooSmallForcedInsert, s3.LastError())
}

// A floating insertion without a successor is rejected.
func TestFloatingWithoutSuccessor(t *testing.T) {
	p := newProg(t, 0x400100)
	p.ins(testarch.OpRet, 0)
	p.filler(26)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})

	s := newTestSession(t, f, im)
	nop, _ := testarch.Arch.GenerateNop(1)
	_, err := s.Insert(-1, []*asm.Insn{nop}, PosFloating, 0)
	require.NoError(t, err)
	err = s.Finalise(t.TempDir() + "/out.bin")
	require.Error(t, err)
	require.Contains(t, err.Error(), asm.ErrFloatingModifNoSuccessor.String())
}

// A conditional insertion gets a compare-and-branch prologue whose fail
// branches skip the payload.
func TestConditionalInsert(t *testing.T) {
	p := newProg(t, 0x400200)
	p.ins(testarch.OpConst, 1)
	p.ins(testarch.OpConst, 2)
	p.label("tail", p.addr, asm.LabelGeneric)
	p.ins(testarch.OpRet, 0)
	p.filler(25)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})

	s := newTestSession(t, f, im)
	nop, _ := testarch.Arch.GenerateNop(1)
	m, err := s.Insert(0x400200, []*asm.Insn{nop}, PosBefore, 0)
	require.NoError(t, err)
	m.Cond = NewCondAnd(NewCondLeaf(asm.CondEQ, 5), NewCondLeaf(asm.CondNE, 0))
	finalise(t, s)

	require.Len(t, m.CondRecs, 2)
	b := s.Blocks()[0]
	// cmp, br, cmp, br, payload, then the displaced originals.
	require.Equal(t, testarch.OpCmp, b.Insns[0].New.Code)
	require.True(t, b.Insns[1].New.IsBranch())
	require.Equal(t, testarch.OpCmp, b.Insns[2].New.Code)
	require.True(t, b.Insns[3].New.IsBranch())
	require.Equal(t, testarch.OpNop, b.Insns[4].New.Code)

	// Failing either leaf lands on the anchor's copy, past the payload.
	anchorCopy := b.Insns[5]
	require.Equal(t, anchorCopy.New, b.Insns[1].New.Ptr().Insn)
	require.Equal(t, anchorCopy.New, b.Insns[3].New.Ptr().Insn)
}

// Running an identical session twice produces byte-identical output.
func TestDeterministicOutput(t *testing.T) {
	run := func() []byte {
		p := newProg(t, 0x400080)
		p.ins(testarch.OpConst, 1)
		p.ins(testarch.OpConst, 2)
		p.ins(testarch.OpPush, 3)
		p.label("tail", p.addr, asm.LabelGeneric)
		p.ins(testarch.OpRet, 0)
		p.filler(24)
		f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})

		s := newTestSession(t, f, im)
		nop, _ := testarch.Arch.GenerateNop(1)
		_, err := s.Insert(0x400080, []*asm.Insn{nop}, PosBefore, 0)
		require.NoError(t, err)
		_, err = s.Delete(0x40008a, 0)
		require.NoError(t, err)
		_, err = s.InsertVar(-1, "counter", 8, 8, nil)
		require.NoError(t, err)
		finalise(t, s)

		out, err := im.Bytes()
		require.NoError(t, err)
		return out
	}
	require.Equal(t, run(), run())
}

// A session with no modifications reproduces the input bytes.
func TestZeroModifications(t *testing.T) {
	p := newProg(t, 0x400080)
	p.ins(testarch.OpConst, 1)
	p.ins(testarch.OpPush, 2)
	p.ins(testarch.OpRet, 0)
	p.filler(24)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})
	text := sectionNamed(t, im, ".text")
	orig := append([]byte(nil), text.Bytes...)

	s := newTestSession(t, f, im)
	finalise(t, s)
	require.Equal(t, orig, text.Bytes)
	require.Empty(t, s.Blocks())
}

// Variable insertion allocates a data entry, emits its section, and the
// label can be renamed afterwards.
func TestInsertVarAndRename(t *testing.T) {
	p := newProg(t, 0x400080)
	p.ins(testarch.OpConst, 1)
	p.ins(testarch.OpRet, 0)
	p.filler(24)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})

	s := newTestSession(t, f, im)
	_, err := s.InsertVar(-1, "counter", 8, 8, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = s.RenameLabel("counter", "hits")
	require.NoError(t, err)
	finalise(t, s)

	v := s.Var("counter")
	require.NotNil(t, v)
	require.Equal(t, int64(0), v.Addr%8)
	require.NotNil(t, v.Section)
	off := v.Addr - v.Section.Addr
	require.Equal(t, []byte{1, 2, 3, 4, 0, 0, 0, 0}, v.Section.Bytes[off:off+8])

	renamed := false
	for _, l := range im.Labels() {
		if l.Name == "hits" {
			renamed = true
		}
	}
	require.True(t, renamed)
}

// Two adjacent modified blocks whose intervals are also adjacent fuse:
// the upstream block loses its return branch and control falls through
// into the downstream content.
func TestAdjacentBlocksFuse(t *testing.T) {
	p := newProg(t, 0x400300)
	i0 := p.ins(testarch.OpConst, 1)
	p.br(testarch.OpBr8, 0x400307)
	i2 := p.ins(testarch.OpConst, 2)
	p.label("tail", p.addr, asm.LabelGeneric)
	p.ins(testarch.OpRet, 0)
	p.filler(25)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})
	require.Equal(t, int64(0x400307), i2.Addr)

	s := newTestSession(t, f, im)
	nopA, _ := testarch.Arch.GenerateNop(1)
	nopB, _ := testarch.Arch.GenerateNop(1)
	_, err := s.Insert(i0.Addr, []*asm.Insn{nopA}, PosBefore, 0)
	require.NoError(t, err)
	_, err = s.Insert(i2.Addr, []*asm.Insn{nopB}, PosBefore, 0)
	require.NoError(t, err)
	finalise(t, s)

	blocks := s.Blocks()
	require.Len(t, blocks, 2)
	a, b := blocks[0], blocks[1]
	require.Equal(t, b, a.FusedNext)
	require.Equal(t, a, b.FusedPrev)
	require.Nil(t, a.RetBranch, "fallthrough instead of a return branch")
	require.NotNil(t, b.RetBranch, "downstream still returns to the original code")

	// The downstream content starts exactly where the upstream ends.
	var aEnd int64 = a.NewAddr
	for _, pi := range a.Insns {
		aEnd += int64(pi.Len())
	}
	require.Equal(t, aEnd, b.NewAddr)
}

// MovSingleInsn keeps the block to the anchor alone when it already
// reaches jump size.
func TestMoveSingleInstruction(t *testing.T) {
	p := newProg(t, 0x400400)
	p.ins(testarch.OpConst, 1)
	anchor := p.ins(testarch.OpConst, 2)
	p.ins(testarch.OpConst, 3)
	p.ins(testarch.OpRet, 0)
	p.filler(25)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})

	s := newTestSession(t, f, im)
	nop, _ := testarch.Arch.GenerateNop(1)
	_, err := s.Insert(anchor.Addr, []*asm.Insn{nop}, PosBefore, MovSingleInsn)
	require.NoError(t, err)
	finalise(t, s)

	b := s.Blocks()[0]
	require.Equal(t, b.First, b.Last, "only the anchor is displaced")
	require.Equal(t, anchor.Addr, b.OrigStart())
	require.Equal(t, int64(5), b.OrigSize)
}

// MoveFcts extends a too-small block to its enclosing function.
func TestMoveFunctions(t *testing.T) {
	p := newProg(t, 0x400500)
	p.label("f", p.addr, asm.LabelFunction)
	p.ins(testarch.OpConst, 1)
	p.label("x", p.addr, asm.LabelGeneric)
	anchor := p.ins(testarch.OpNop, 0)
	p.label("y", p.addr, asm.LabelGeneric)
	p.ins(testarch.OpConst, 2)
	p.ins(testarch.OpRet, 0)
	p.label("g", p.addr, asm.LabelFunction)
	p.ins(testarch.OpRet, 0)
	p.filler(25)
	f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})
	// The anchor sits in a 1-byte block bounded by label sites.
	require.Equal(t, int64(0x400505), anchor.Addr)

	// Without the flag the 1-byte block cannot take any jump.
	s := newTestSession(t, f, im)
	nop, _ := testarch.Arch.GenerateNop(1)
	_, err := s.Insert(anchor.Addr, []*asm.Insn{nop}, PosBefore, 0)
	require.NoError(t, err)
	require.Error(t, s.Finalise(t.TempDir()+"/out.bin"))

	p2 := newProg(t, 0x400500)
	p2.label("f", p2.addr, asm.LabelFunction)
	p2.ins(testarch.OpConst, 1)
	p2.label("x", p2.addr, asm.LabelGeneric)
	anchor2 := p2.ins(testarch.OpNop, 0)
	p2.label("y", p2.addr, asm.LabelGeneric)
	p2.ins(testarch.OpConst, 2)
	p2.ins(testarch.OpRet, 0)
	p2.label("g", p2.addr, asm.LabelFunction)
	p2.ins(testarch.OpRet, 0)
	p2.filler(25)
	f2, im2 := p2.build(binfile.Range{Addr: 0x402000, End: 0x410000})

	s2 := newTestSession(t, f2, im2)
	nop2, _ := testarch.Arch.GenerateNop(1)
	_, err = s2.Insert(anchor2.Addr, []*asm.Insn{nop2}, PosBefore, MoveFcts)
	require.NoError(t, err)
	require.NoError(t, s2.Finalise(t.TempDir()+"/out.bin"))
	require.Equal(t, asm.WarnFunctionMoved, s2.LastError())

	b := s2.Blocks()[0]
	require.Equal(t, int64(0x400500), b.OrigStart(), "block grew to the function start")
	require.Equal(t, int64(12), b.OrigSize, "through to the next function label")
}

// Submitting a modification and then its reverse reproduces the
// zero-modification baseline byte for byte.
func TestReverseModificationRoundTrip(t *testing.T) {
	build := func() (*asm.File, *binfile.Image, int64) {
		p := newProg(t, 0x400600)
		p.ins(testarch.OpConst, 1)
		anchor := p.ins(testarch.OpConst, 7)
		p.ins(testarch.OpRet, 0)
		p.filler(24)
		f, im := p.build(binfile.Range{Addr: 0x402000, End: 0x410000})
		return f, im, anchor.Addr
	}

	f, im, _ := build()
	s := newTestSession(t, f, im)
	finalise(t, s)
	baseline, err := im.Bytes()
	require.NoError(t, err)

	// A modify/modify pair: rewrite the opcode, then rewrite it back.
	f2, im2, addr := build()
	s2 := newTestSession(t, f2, im2)
	ops := []asm.Operand{{Kind: asm.OperImm, Imm: 7}}
	_, err = s2.Modify(addr, testarch.OpCmp, ops, false, 0)
	require.NoError(t, err)
	_, err = s2.Modify(addr, testarch.OpConst, ops, false, 0)
	require.NoError(t, err)
	finalise(t, s2)

	out, err := im2.Bytes()
	require.NoError(t, err)
	require.Equal(t, baseline, out, "code sections match the zero-modification baseline")

	// Replacing an instruction with an identical copy is its own
	// reverse and must also leave the image untouched.
	f3, im3, addr3 := build()
	s3 := newTestSession(t, f3, im3)
	same := &asm.Insn{Code: testarch.OpConst, Len: 5, MaxLen: 5,
		Operands: []asm.Operand{{Kind: asm.OperImm, Imm: 7}}}
	_, err = s3.Replace(addr3, []*asm.Insn{same}, 0)
	require.NoError(t, err)
	finalise(t, s3)

	out3, err := im3.Bytes()
	require.NoError(t, err)
	require.Equal(t, baseline, out3)
}
