// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-binpatch/binpatch/asm"
	"github.com/go-binpatch/binpatch/asm/arch/testarch"
	"github.com/go-binpatch/binpatch/binfile"
)

// prog builds a small test program in the test ISA, one instruction at a
// time, and turns it into a file plus an in-memory binfile image.
type prog struct {
	t     *testing.T
	base  int64
	addr  int64
	insns []*asm.Insn
	data  []*asm.DataEntry
	lbls  []*asm.Label
}

func newProg(t *testing.T, base int64) *prog {
	return &prog{t: t, base: base, addr: base}
}

func opLen(code int) int {
	switch code {
	case testarch.OpNop, testarch.OpRet:
		return 1
	case testarch.OpJmp8, testarch.OpBr8, testarch.OpPush:
		return 2
	case testarch.OpJmpMem, testarch.OpBr32:
		return 6
	case testarch.OpJmpAbs:
		return 9
	}
	return 5
}

// ins appends a plain instruction.
func (p *prog) ins(code int, imm int64) *asm.Insn {
	i := &asm.Insn{
		Addr: p.addr,
		Len:  opLen(code),
		Code: code,
	}
	i.MaxLen = testarch.Arch.MaxByteSize(i)
	if code == testarch.OpNop {
		i.Annot |= asm.AnnotNop
	}
	if code == testarch.OpRet {
		i.Annot |= asm.AnnotReturn
	}
	if imm != 0 || code == testarch.OpConst || code == testarch.OpCmp || code == testarch.OpPush {
		i.Operands = []asm.Operand{{Kind: asm.OperImm, Imm: imm}}
	}
	p.addr += int64(i.Len)
	p.insns = append(p.insns, i)
	return i
}

// br appends a branch aimed at target.
func (p *prog) br(code int, target int64) *asm.Insn {
	i := &asm.Insn{
		Addr:  p.addr,
		Len:   opLen(code),
		Code:  code,
		Annot: asm.AnnotJump,
	}
	if code == testarch.OpBr8 || code == testarch.OpBr32 {
		i.Annot |= asm.AnnotCond
		i.Operands = []asm.Operand{{Kind: asm.OperImm, Imm: int64(asm.CondEQ)}}
	}
	i.MaxLen = testarch.Arch.MaxByteSize(i)
	i.SetPtr(&asm.Pointer{Kind: asm.TargetInsn, Mode: asm.AddrRelative, Addr: target})
	p.addr += int64(i.Len)
	p.insns = append(p.insns, i)
	return i
}

// label records a label site.
func (p *prog) label(name string, addr int64, typ asm.LabelType) {
	p.lbls = append(p.lbls, &asm.Label{Name: name, Addr: addr, Type: typ})
}

// build encodes the program, wraps it into a file and an image, and
// declares the given free ranges.
func (p *prog) build(free ...binfile.Range) (*asm.File, *binfile.Image) {
	size := p.addr - p.base
	sec := &asm.Section{
		Name:  ".text",
		Addr:  p.base,
		Size:  size,
		Type:  asm.SectionCode,
		Attrs: asm.AttrLoaded,
		Bytes: make([]byte, size),
		Insns: p.insns,
	}
	for _, i := range p.insns {
		want := i.Len
		bs, err := testarch.Arch.Encode(i, false)
		require.NoError(p.t, err, "encoding %#x at %#x", i.Code, i.Addr)
		require.Equal(p.t, want, len(bs), "length of %#x at %#x", i.Code, i.Addr)
		i.Bytes = bs
		copy(sec.Bytes[i.Addr-p.base:], bs)
	}

	f := asm.NewFile("test", testarch.Arch)
	f.AddSection(sec)
	for _, l := range p.lbls {
		if ins := f.InsnByAddr(l.Addr); ins != nil {
			l.Kind = asm.TargetInsn
			l.Insn = ins
		}
		f.AddLabel(l)
	}
	f.LinkBranches()
	f.LinkDataRefs()

	im := binfile.NewImage(p.base)
	im.DeclareSection(sec)
	for _, r := range free {
		im.DeclareFree(r)
	}
	return f, im
}

func newTestSession(t *testing.T, f *asm.File, im *binfile.Image) *Session {
	s, err := NewSession(f, im, Options{})
	require.NoError(t, err)
	return s
}

// finalise runs the whole pipeline into a temp file and checks that the
// session's invariants hold.
func finalise(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Finalise(t.TempDir()+"/out.bin"))
	require.Empty(t, s.Verify())
}

// sectionNamed fetches a section of the image by name.
func sectionNamed(t *testing.T, im *binfile.Image, name string) *asm.Section {
	for _, sec := range im.Sections() {
		if sec.Name == name {
			return sec
		}
	}
	t.Fatalf("no section %q", name)
	return nil
}
