// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"sort"
)

// File is a disassembled binary: the instruction list sorted by address,
// the sections it came from, its labels, and the cross-reference index.
// The patch engine treats a File as read-mostly; it only sets annotation
// bits on instructions.
type File struct {
	Name string
	Arch Arch

	Sections []*Section
	Insns    []*Insn
	Labels   []*Label
	Refs     *RefIndex

	labelsByName map[string]*Label
	lastError    Code
}

// NewFile returns an empty file for the given architecture.
func NewFile(name string, arch Arch) *File {
	return &File{
		Name:         name,
		Arch:         arch,
		Refs:         NewRefIndex(),
		labelsByName: make(map[string]*Label),
	}
}

// AddSection appends a section and, for code sections, merges its
// instructions into the file's address-sorted instruction list.
func (f *File) AddSection(s *Section) {
	f.Sections = append(f.Sections, s)
	if len(s.Insns) > 0 {
		for _, ins := range s.Insns {
			ins.Section = s
		}
		f.Insns = append(f.Insns, s.Insns...)
		sort.Slice(f.Insns, func(i, j int) bool { return f.Insns[i].Addr < f.Insns[j].Addr })
	}
}

// AddLabel records a label, replacing any previous label of the same name.
func (f *File) AddLabel(l *Label) {
	f.Labels = append(f.Labels, l)
	f.labelsByName[l.Name] = l
	sort.Slice(f.Labels, func(i, j int) bool { return f.Labels[i].Addr < f.Labels[j].Addr })
}

// LookupLabel returns the label with the given name, or nil.
func (f *File) LookupLabel(name string) *Label {
	return f.labelsByName[name]
}

// InsnByLabel returns the instruction a named label designates, or nil.
func (f *File) InsnByLabel(name string) *Insn {
	l := f.labelsByName[name]
	if l == nil || l.Kind != TargetInsn {
		return nil
	}
	return l.Insn
}

// InsnByAddr binary-searches the instruction list for the instruction
// starting at addr.
func (f *File) InsnByAddr(addr int64) *Insn {
	i := sort.Search(len(f.Insns), func(i int) bool { return f.Insns[i].Addr >= addr })
	if i < len(f.Insns) && f.Insns[i].Addr == addr {
		return f.Insns[i]
	}
	return nil
}

// InsnIndex returns the position of ins in the instruction list, or -1.
func (f *File) InsnIndex(ins *Insn) int {
	i := sort.Search(len(f.Insns), func(i int) bool { return f.Insns[i].Addr >= ins.Addr })
	for ; i < len(f.Insns) && f.Insns[i].Addr == ins.Addr; i++ {
		if f.Insns[i] == ins {
			return i
		}
	}
	return -1
}

// LastLabelBefore returns the last label at or before addr of the given
// type, or nil if none precedes it.
func (f *File) LastLabelBefore(addr int64, typ LabelType) *Label {
	var best *Label
	for _, l := range f.Labels {
		if l.Addr > addr {
			break
		}
		if l.Type == typ {
			best = l
		}
	}
	return best
}

// EnclosingFunction returns the name of the function label covering addr,
// or the empty string.
func (f *File) EnclosingFunction(addr int64) string {
	if l := f.LastLabelBefore(addr, LabelFunction); l != nil {
		return l.Name
	}
	return ""
}

// LabelSites returns the set of addresses carrying a non-dummy label.
// Block discovery must not extend across a label site.
func (f *File) LabelSites() map[int64]bool {
	sites := make(map[int64]bool, len(f.Labels))
	for _, l := range f.Labels {
		if l.Type != LabelDummy {
			sites[l.Addr] = true
		}
	}
	return sites
}

// LinkBranches walks the instruction list and populates the branches
// multimap from each branch instruction's pointer, resolving pointers
// that carry only a target address to the instruction at that address.
func (f *File) LinkBranches() {
	for _, ins := range f.Insns {
		if !ins.IsBranch() {
			continue
		}
		p := ins.Ptr()
		if p == nil || p.Kind == TargetData {
			continue
		}
		if p.Insn == nil {
			p.Insn = f.InsnByAddr(p.Addr)
			if p.Insn == nil {
				logger.Printf("branch at %#x targets unknown address %#x", ins.Addr, p.Addr)
				continue
			}
			p.Kind = TargetInsn
		}
		f.Refs.AddBranch(ins, p.Insn)
	}
}

// LinkDataRefs populates the data-reference multimaps from instruction
// pointer operands aimed at data and from reference data entries aimed at
// instructions.
func (f *File) LinkDataRefs() {
	for _, ins := range f.Insns {
		p := ins.Ptr()
		if p != nil && p.Kind == TargetData && p.Data != nil {
			f.Refs.AddInsnRefToData(ins, p.Data)
			if ds := p.Data.Section; ds != nil {
				ds.Attrs |= AttrInsnReferenced
			}
		}
	}
	for _, s := range f.Sections {
		for _, d := range s.Data {
			if d.Ptr != nil && d.Ptr.Kind == TargetInsn && d.Ptr.Insn != nil {
				f.Refs.AddDataRefToInsn(d, d.Ptr.Insn)
			}
		}
	}
}

// CodeBounds returns the lowest and one-past-highest addresses of loaded
// code sections.
func (f *File) CodeBounds() (lo, hi int64) {
	first := true
	for _, s := range f.Sections {
		if s.Type != SectionCode || s.Attrs&AttrLoaded == 0 {
			continue
		}
		if first || s.Addr < lo {
			lo = s.Addr
		}
		if first || s.End() > hi {
			hi = s.End()
		}
		first = false
	}
	return lo, hi
}

// CodeSize sums the sizes of loaded code sections.
func (f *File) CodeSize() int64 {
	var n int64
	for _, s := range f.Sections {
		if s.Type == SectionCode && s.Attrs&AttrLoaded != 0 {
			n += s.Size
		}
	}
	return n
}

// ReferencedDataSize sums the sizes of data sections referenced by code.
func (f *File) ReferencedDataSize() int64 {
	var n int64
	for _, s := range f.Sections {
		if s.Type != SectionCode && s.Attrs&AttrInsnReferenced != 0 {
			n += s.Size
		}
	}
	return n
}

// LastError returns the file's sticky diagnostic code.
func (f *File) LastError() Code {
	return f.lastError
}

// SetLastError applies the sticky-error rule and returns the previous
// code.
func (f *File) SetLastError(c Code) Code {
	prev := f.lastError
	f.lastError = UpdateCode(f.lastError, c)
	return prev
}

// RangeSize returns the byte size of the instruction run [start, stop]
// inclusive, both given as indices into the instruction list.
func (f *File) RangeSize(start, stop int) int64 {
	var n int64
	for i := start; i <= stop && i < len(f.Insns); i++ {
		n += int64(f.Insns[i].Len)
	}
	return n
}
