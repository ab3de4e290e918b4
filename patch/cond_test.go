// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-binpatch/binpatch/asm"
	"github.com/go-binpatch/binpatch/asm/arch/testarch"
)

func condPayload() (payload []*asm.Insn, succ *asm.Insn) {
	return []*asm.Insn{{Code: testarch.OpNop, Len: 1, Annot: asm.AnnotNop}},
		&asm.Insn{Addr: 0x5000, Code: testarch.OpRet, Len: 1, Annot: asm.AnnotReturn}
}

func TestLowerCondAnd(t *testing.T) {
	payload, succ := condPayload()
	c := NewCondAnd(NewCondLeaf(asm.CondEQ, 1), NewCondLeaf(asm.CondLT, 2))
	prologue, recs, err := LowerCond(testarch.Arch, c, nil, succ, payload)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Len(t, prologue, 4, "cmp+br per leaf")

	// Both fail branches skip the payload.
	require.Equal(t, succ, prologue[1].Ptr().Insn)
	require.Equal(t, succ, prologue[3].Ptr().Insn)
	require.True(t, recs[0].Opposite)
	require.Equal(t, -1, recs[0].FailNext, "failure goes straight to the else target")
}

func TestLowerCondOr(t *testing.T) {
	payload, succ := condPayload()
	c := NewCondOr(NewCondLeaf(asm.CondEQ, 1), NewCondLeaf(asm.CondEQ, 2))
	prologue, recs, err := LowerCond(testarch.Arch, c, nil, succ, payload)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Len(t, prologue, 4)

	// The first arm branches into the payload when it holds; the second
	// arm failing skips the payload.
	require.Equal(t, payload[0], prologue[1].Ptr().Insn)
	require.False(t, recs[0].Opposite)
	require.Equal(t, succ, prologue[3].Ptr().Insn)
	require.True(t, recs[1].Opposite)
}

func TestLowerCondNil(t *testing.T) {
	prologue, recs, err := LowerCond(testarch.Arch, nil, nil, nil, nil)
	require.NoError(t, err)
	require.Nil(t, prologue)
	require.Nil(t, recs)
}
