// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-binpatch/binpatch/asm"
	"github.com/go-binpatch/binpatch/binfile"
)

var testReach = asm.Reach{Min: -(1 << 31), Max: 1<<31 - 1}

func newStore(t *testing.T, codeSize, refSize int64, free ...binfile.Range) (*IntervalStore, asm.Code) {
	t.Helper()
	st, code := NewIntervalStore(free, 0x400000, 0x401000, testReach, testReach, codeSize, refSize)
	require.NoError(t, st.Check())
	return st, code
}

func TestReserveExactEstimates(t *testing.T) {
	st, code := newStore(t, 0x100, 0x80,
		binfile.Range{Addr: 0x402000, End: 0x403000},
	)
	require.Equal(t, asm.CodeOK, code)
	require.Equal(t, int64(0x200), st.RemainingCode())
	require.Equal(t, int64(0x100), st.RemainingData())

	var reservedCode, reservedData int64
	for _, iv := range st.Intervals() {
		switch iv.Reserved {
		case ReserveCode:
			reservedCode += iv.Size()
		case ReserveData:
			reservedData += iv.Size()
		}
	}
	require.Equal(t, int64(0x200), reservedCode)
	require.Equal(t, int64(0x100), reservedData)
}

func TestReserveOversubscribed(t *testing.T) {
	st, code := newStore(t, 0x10000, 0x10000,
		binfile.Range{Addr: 0x402000, End: 0x402100},
	)
	require.Equal(t, asm.WarnReserveOversubscribed, code)
	// Everything branch-reachable goes to code.
	require.Equal(t, int64(0x100), st.RemainingCode())
	require.Equal(t, int64(0), st.RemainingData())
}

func TestSplitInheritsFlags(t *testing.T) {
	st, _ := newStore(t, 0x10, 0,
		binfile.Range{Addr: 0x402000, End: 0x403000},
	)
	iv := st.Intervals()[0]
	reach := iv.Reach
	n := st.Split(iv, iv.Addr+0x10)
	require.Equal(t, iv.End, n.Addr)
	require.Equal(t, reach, n.Reach)
	require.NoError(t, st.Check())

	// Splitting outside the interval is a no-op.
	require.Equal(t, iv, st.Split(iv, iv.Addr-1))
}

func TestMergeRules(t *testing.T) {
	st, _ := newStore(t, 0, 0,
		binfile.Range{Addr: 0x402000, End: 0x403000},
	)
	iv := st.Intervals()[0]
	n := st.Split(iv, 0x402800)
	require.True(t, st.Merge(iv, n))
	require.Len(t, st.Intervals(), 1)
	require.Equal(t, int64(0x403000), iv.End)

	// Used intervals do not merge.
	n = st.Split(iv, 0x402800)
	n.Used = UsedCode
	require.False(t, st.Merge(iv, n))
}

func TestFindFitAlignmentPadding(t *testing.T) {
	st, _ := newStore(t, 0, 0,
		binfile.Range{Addr: 0x402008, End: 0x403000},
	)
	iv, addr := st.FindFit(0x20, 0x10, ReachBranch, ReserveNone, UsedCode)
	require.NotNil(t, iv)
	require.Equal(t, int64(0x402010), addr, "placement aligned up")
	require.Equal(t, int64(0x402008), iv.Addr, "padding charged to the interval")
	require.Equal(t, int64(0x402030), iv.End)
	require.Equal(t, UsedCode, iv.Used)
	require.NoError(t, st.Check())
}

func TestFindFitExactMatch(t *testing.T) {
	st, _ := newStore(t, 0, 0,
		binfile.Range{Addr: 0x402000, End: 0x402020},
	)
	iv, addr := st.FindFit(0x20, 1, ReachNone, ReserveNone, UsedData)
	require.NotNil(t, iv)
	require.Equal(t, int64(0x402000), addr)
	require.Len(t, st.Intervals(), 1, "exact request does not split")

	// Nothing left.
	iv, _ = st.FindFit(1, 1, ReachNone, ReserveNone, UsedData)
	require.Nil(t, iv)
}

func TestReleaseMergesNeighbours(t *testing.T) {
	st, _ := newStore(t, 0, 0,
		binfile.Range{Addr: 0x402000, End: 0x403000},
	)
	iv, _ := st.FindFit(0x100, 1, ReachNone, ReserveNone, UsedCode)
	require.NotNil(t, iv)
	require.Len(t, st.Intervals(), 2)
	st.Release(iv)
	require.Len(t, st.Intervals(), 1)
	require.NoError(t, st.Check())
}
