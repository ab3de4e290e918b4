// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package binfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-binpatch/binpatch/asm"
)

func TestImageBytesLayout(t *testing.T) {
	im := NewImage(0x1000)
	im.DeclareSection(&asm.Section{
		Name: "a", Addr: 0x1000, Size: 4, Type: asm.SectionCode,
		Attrs: asm.AttrLoaded, Bytes: []byte{1, 2, 3, 4},
	})
	im.DeclareSection(&asm.Section{
		Name: "b", Addr: 0x1008, Size: 2, Type: asm.SectionData,
		Attrs: asm.AttrLoaded, Bytes: []byte{9, 9},
	})

	out, err := im.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 0, 0, 0, 0, 9, 9}, out)
}

func TestImageWriteRequiresFinalize(t *testing.T) {
	im := NewImage(0x1000)
	path := filepath.Join(t.TempDir(), "out.bin")
	require.Error(t, im.Write(path))
	require.NoError(t, im.Finalize())
	require.NoError(t, im.Write(path))
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestImageStubs(t *testing.T) {
	im := NewImage(0x1000)
	_, err := im.AddExtFunctionStub("malloc@plt", "libc.so.6")
	require.Error(t, err, "static image refuses stubs")

	im.Dynamic = true
	_, err = im.AddExtFunctionStub("malloc@plt", "libc.so.6")
	require.Error(t, err, "no stub area declared")

	im.DeclareStubArea(0x5000, 16)
	l1, err := im.AddExtFunctionStub("malloc@plt", "libc.so.6")
	require.NoError(t, err)
	require.Equal(t, int64(0x5000), l1.Addr)
	l2, err := im.AddExtFunctionStub("free@plt", "libc.so.6")
	require.NoError(t, err)
	require.Equal(t, int64(0x5010), l2.Addr)

	// Stubs are deduplicated, the library only required once.
	l3, err := im.AddExtFunctionStub("malloc@plt", "libc.so.6")
	require.NoError(t, err)
	require.Same(t, l1, l3)
	require.Equal(t, []string{"libc.so.6"}, im.Libraries())
}

func TestImageCopyDataEntry(t *testing.T) {
	im := NewImage(0x1000)
	d := &asm.DataEntry{Addr: 0x2000, Size: 4, Bytes: []byte{1, 2, 3, 4}}
	c1, err := im.CopyDataEntry(d)
	require.NoError(t, err)
	require.NotSame(t, d, c1)
	require.Equal(t, d.Bytes, c1.Bytes)

	c2, err := im.CopyDataEntry(d)
	require.NoError(t, err)
	require.Same(t, c1, c2, "one copy per original")
}

func TestImageRenames(t *testing.T) {
	im := NewImage(0x1000)
	im.Dynamic = true
	require.Equal(t, asm.CodeOK, im.AddLibrary("old.so"))
	require.NoError(t, im.RenameLibrary("old.so", "new.so"))
	require.Error(t, im.RenameLibrary("missing.so", "x.so"))

	require.NoError(t, im.AddLabel(&asm.Label{Name: "a"}))
	require.NoError(t, im.RenameLabel("a", "b"))
	require.Error(t, im.RenameLabel("a", "c"))
}

func TestImageMoveSectionAndGrew(t *testing.T) {
	im := NewImage(0x1000)
	sec, err := im.AddSection(".new", asm.SectionCode, 0x2000, 0x10)
	require.NoError(t, err)
	require.False(t, im.Grew(sec), "new sections have no original size")

	moved, err := im.MoveSection(sec, Range{Addr: 0x3000, End: 0x3020})
	require.NoError(t, err)
	require.Equal(t, int64(0x3000), sec.Addr)
	require.Equal(t, Range{Addr: 0x3000, End: 0x3010}, moved)
	require.NotZero(t, sec.Attrs&asm.AttrReordered)

	_, err = im.MoveSection(sec, Range{Addr: 0x4000, End: 0x4008})
	require.Error(t, err, "range smaller than the section")

	orig := &asm.Section{Name: ".text", Addr: 0x1000, Size: 8, Attrs: asm.AttrLoaded}
	im.DeclareSection(orig)
	orig.Size = 12
	require.True(t, im.Grew(orig))
}
