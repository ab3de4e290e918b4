// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testarch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-binpatch/binpatch/asm"
)

func TestRegistered(t *testing.T) {
	a, err := asm.ArchByName("test")
	require.NoError(t, err)
	require.Equal(t, Arch, a)
}

func TestJumpSizes(t *testing.T) {
	require.Equal(t, 2, Arch.ByteSize(asm.JumpSmall))
	require.Equal(t, 5, Arch.ByteSize(asm.JumpDirect))
	require.Equal(t, 6, Arch.ByteSize(asm.JumpMemRel))
	require.Equal(t, 9, Arch.ByteSize(asm.JumpIndirect))
}

func TestEncodeSmallJump(t *testing.T) {
	list, br, ptr, err := Arch.GenerateJump(asm.JumpSmall, 0x1000)
	require.NoError(t, err)
	require.Len(t, list, 1)
	ptr.Addr = 0x1010

	b, err := Arch.Encode(br, false)
	require.NoError(t, err)
	require.Equal(t, []byte{OpJmp8, 0x0e}, b)
}

func TestSmallJumpWidens(t *testing.T) {
	_, br, ptr, err := Arch.GenerateJump(asm.JumpSmall, 0x1000)
	require.NoError(t, err)
	ptr.Addr = 0x2000

	_, err = Arch.Encode(br, false)
	require.Equal(t, asm.ErrSizeWouldChange, err)

	b, err := Arch.Encode(br, true)
	require.NoError(t, err)
	require.Equal(t, OpJmp32, br.Code, "widened for good")
	require.Equal(t, 5, br.Len)
	require.Equal(t, byte(OpJmp32), b[0])

	// Once widened, a near target does not narrow it back.
	ptr.Addr = 0x1010
	b, err = Arch.Encode(br, true)
	require.NoError(t, err)
	require.Equal(t, 5, len(b))
}

func TestEncodeIndirect(t *testing.T) {
	list, br, ptr, err := Arch.GenerateJump(asm.JumpIndirect, 0x1000)
	require.NoError(t, err)
	require.Len(t, list, 1)
	ptr.Addr = 0x123456789a

	b, err := Arch.Encode(br, false)
	require.NoError(t, err)
	require.Equal(t, 9, len(b))
	require.Equal(t, byte(OpJmpAbs), b[0])
	require.Equal(t, []byte{0x9a, 0x78, 0x56, 0x34, 0x12, 0, 0, 0}, b[1:])
}

func TestPlaceholderRefused(t *testing.T) {
	_, err := Arch.Encode(&asm.Insn{Code: asm.BadInsnCode}, true)
	require.Error(t, err)
}

func TestGenerateCompare(t *testing.T) {
	list, br, err := Arch.GenerateCompare(asm.CondLT, 42)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, OpCmp, list[0].Code)
	require.True(t, br.HasAnnot(asm.AnnotJump|asm.AnnotCond))
	require.NotNil(t, br.Ptr())
}
