// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import "fmt"

// SectionType classifies the payload of a section.
type SectionType uint8

const (
	SectionCode SectionType = iota
	SectionData
	SectionZeroData
	SectionReference
	SectionPatchCopy
)

func (s SectionType) String() string {
	n, ok := map[SectionType]string{
		SectionCode:      "code",
		SectionData:      "data",
		SectionZeroData:  "zero-data",
		SectionReference: "reference",
		SectionPatchCopy: "patch-copy",
	}[s]
	if !ok {
		return "unknown"
	}
	return n
}

// SectionAttr is a bitset of section attributes.
type SectionAttr uint8

const (
	// AttrLoaded marks a section mapped by the loader at run time.
	AttrLoaded SectionAttr = 1 << iota
	// AttrInsnReferenced marks a data section referenced by code.
	AttrInsnReferenced
	// AttrReordered marks a section whose contents were rearranged by
	// the patcher.
	AttrReordered
	// AttrNew marks a section created by the patcher.
	AttrNew
)

// Section is a contiguous region of the file's virtual address space,
// holding either an instruction sequence or a list of data entries.
type Section struct {
	Name  string
	Addr  int64
	Size  int64
	Type  SectionType
	Attrs SectionAttr
	Bytes []byte

	Insns []*Insn
	Data  []*DataEntry
}

// End returns the address one past the section.
func (s *Section) End() int64 {
	return s.Addr + s.Size
}

// Contains reports whether addr falls inside the section.
func (s *Section) Contains(addr int64) bool {
	return addr >= s.Addr && addr < s.End()
}

func (s *Section) String() string {
	return fmt.Sprintf("%s [%#x, %#x) %s", s.Name, s.Addr, s.End(), s.Type)
}

// DataEntry is one item of a data section: a global variable, a pointer
// cell, or an opaque blob.
type DataEntry struct {
	Addr  int64
	Size  int
	Align int
	Bytes []byte

	// Ptr is non-nil for reference entries whose bytes hold an address.
	Ptr *Pointer

	Label   *Label
	Section *Section
}

// End returns the address one past the entry.
func (d *DataEntry) End() int64 {
	return d.Addr + int64(d.Size)
}
