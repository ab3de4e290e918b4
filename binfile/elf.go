// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package binfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/go-binpatch/binpatch/asm"
)

const pageSize = 0x1000

// branchWindow bounds how far past the original image free intervals are
// enumerated. New code placed further away would be outside rel32 reach
// anyway.
const branchWindow = int64(1) << 31

// ELF is the backend adapter for little-endian ELF64 executables and
// shared objects. The input file is mapped read-only; Write produces a
// new file with patched section contents and new sections appended after
// a relocated program-header table.
//
// Dynamic-linking metadata (DT_NEEDED insertion, PLT growth) is the
// responsibility of a full linker back end and is refused here with
// ErrRelocationNotAdded.
type ELF struct {
	path string
	mm   mmap.MMap
	f    *elf.File

	sections []*asm.Section
	bySec    map[*asm.Section]*elf.Section
	newSecs  []*asm.Section
	origSize map[*asm.Section]int64
	dataCopy map[*asm.DataEntry]*asm.DataEntry
	labels   []*asm.Label

	finalized bool
}

// OpenELF maps path and parses its headers.
func OpenELF(path string) (*ELF, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "binfile: open")
	}
	defer osf.Close()
	mm, err := mmap.Map(osf, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "binfile: mmap")
	}
	f, err := elf.NewFile(bytes.NewReader(mm))
	if err != nil {
		mm.Unmap()
		return nil, errors.Wrap(err, "binfile: elf parse")
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		mm.Unmap()
		return nil, errors.Errorf("binfile: %s: only little-endian ELF64 is handled", path)
	}
	e := &ELF{
		path:     path,
		mm:       mm,
		f:        f,
		bySec:    make(map[*asm.Section]*elf.Section),
		origSize: make(map[*asm.Section]int64),
		dataCopy: make(map[*asm.DataEntry]*asm.DataEntry),
	}
	for _, sh := range f.Sections {
		if sh.Flags&elf.SHF_ALLOC == 0 || sh.Size == 0 {
			continue
		}
		typ := asm.SectionData
		switch {
		case sh.Flags&elf.SHF_EXECINSTR != 0:
			typ = asm.SectionCode
		case sh.Type == elf.SHT_NOBITS:
			typ = asm.SectionZeroData
		}
		s := &asm.Section{
			Name:  sh.Name,
			Addr:  int64(sh.Addr),
			Size:  int64(sh.Size),
			Type:  typ,
			Attrs: asm.AttrLoaded,
		}
		if sh.Type != elf.SHT_NOBITS {
			s.Bytes = append([]byte(nil), mm[sh.Offset:sh.Offset+sh.Size]...)
		}
		e.sections = append(e.sections, s)
		e.bySec[s] = sh
		e.origSize[s] = s.Size
	}
	sort.Slice(e.sections, func(i, j int) bool { return e.sections[i].Addr < e.sections[j].Addr })
	return e, nil
}

// Close unmaps the input file.
func (e *ELF) Close() error {
	return e.mm.Unmap()
}

func (e *ELF) Sections() []*asm.Section { return e.sections }

func (e *ELF) FreeIntervals() []Range {
	type seg struct{ lo, hi int64 }
	var loads []seg
	for _, p := range e.f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loads = append(loads, seg{int64(p.Vaddr), int64(p.Vaddr + p.Memsz)})
	}
	if len(loads) == 0 {
		return nil
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].lo < loads[j].lo })

	var out []Range
	for i := 0; i+1 < len(loads); i++ {
		lo := align(loads[i].hi, pageSize)
		hi := loads[i+1].lo &^ (pageSize - 1)
		if hi-lo >= pageSize {
			out = append(out, Range{Addr: lo, End: hi})
		}
	}
	top := align(loads[len(loads)-1].hi, pageSize)
	if end := loads[0].lo + branchWindow; end > top {
		out = append(out, Range{Addr: top, End: end})
	}
	return out
}

func (e *ELF) HasDynamicLoader() bool {
	for _, p := range e.f.Progs {
		if p.Type == elf.PT_INTERP || p.Type == elf.PT_DYNAMIC {
			return true
		}
	}
	return false
}

func (e *ELF) AddSection(name string, typ asm.SectionType, addr, size int64) (*asm.Section, error) {
	if e.finalized {
		return nil, errors.New("binfile: elf already finalized")
	}
	s := &asm.Section{
		Name:  name,
		Addr:  addr,
		Size:  size,
		Type:  typ,
		Attrs: asm.AttrLoaded | asm.AttrNew,
		Bytes: make([]byte, size),
	}
	e.sections = append(e.sections, s)
	e.newSecs = append(e.newSecs, s)
	sort.Slice(e.sections, func(i, j int) bool { return e.sections[i].Addr < e.sections[j].Addr })
	return s, nil
}

func (e *ELF) CopyDataEntry(d *asm.DataEntry) (*asm.DataEntry, error) {
	if c, ok := e.dataCopy[d]; ok {
		return c, nil
	}
	c := &asm.DataEntry{
		Addr:  d.Addr,
		Size:  d.Size,
		Align: d.Align,
		Bytes: append([]byte(nil), d.Bytes...),
	}
	e.dataCopy[d] = c
	return c, nil
}

func (e *ELF) AddLibrary(name string) asm.Code {
	// Growing the dynamic table needs the full linker back end.
	return asm.ErrRelocationNotAdded
}

func (e *ELF) AddExtFunctionStub(name, lib string) (*asm.Label, error) {
	return nil, asm.ErrRelocationNotAdded
}

func (e *ELF) AddLabel(l *asm.Label) error {
	// Symbols are kept engine-side; the output symtab is not rebuilt.
	e.labels = append(e.labels, l)
	return nil
}

func (e *ELF) RenameLabel(old, new string) error {
	for _, l := range e.labels {
		if l.Name == old {
			l.Name = new
			return nil
		}
	}
	return fmt.Errorf("binfile: %v: %q", asm.ErrSymbolNotFound, old)
}

func (e *ELF) RenameLibrary(old, new string) error {
	return asm.ErrRelocationNotAdded
}

func (e *ELF) MoveSection(s *asm.Section, to Range) (Range, error) {
	if _, orig := e.bySec[s]; orig {
		return Range{}, errors.Errorf("binfile: refusing to move original section %s", s.Name)
	}
	if to.Size() < s.Size {
		return Range{}, errors.Errorf("binfile: range too small for section %s", s.Name)
	}
	s.Addr = to.Addr
	s.Attrs |= asm.AttrReordered
	return Range{Addr: to.Addr, End: to.Addr + s.Size}, nil
}

func (e *ELF) Grew(s *asm.Section) bool {
	orig, ok := e.origSize[s]
	return ok && s.Size > orig
}

func (e *ELF) Finalize() error {
	e.finalized = true
	return nil
}

// Write emits the patched file: the original image with modified section
// contents overwritten in place, the program-header table relocated to
// the end of the file, and one PT_LOAD per new section appended after it.
func (e *ELF) Write(path string) error {
	if !e.finalized {
		return errors.New("binfile: elf not finalized")
	}
	out := append([]byte(nil), e.mm...)

	for s, sh := range e.bySec {
		if sh.Type == elf.SHT_NOBITS || len(s.Bytes) == 0 {
			continue
		}
		n := int64(len(s.Bytes))
		if n > int64(sh.Size) {
			return errors.Errorf("binfile: section %s grew beyond its file slot", s.Name)
		}
		copy(out[sh.Offset:sh.Offset+uint64(n)], s.Bytes)
	}

	phoff := binary.LittleEndian.Uint64(out[0x20:])
	phentsize := binary.LittleEndian.Uint16(out[0x36:])
	phnum := binary.LittleEndian.Uint16(out[0x38:])
	oldPh := append([]byte(nil), out[phoff:phoff+uint64(phnum)*uint64(phentsize)]...)

	// Relocate the program-header table to a page-aligned file tail and
	// map it together with each new section.
	newPhoff := align(int64(len(out)), pageSize)
	out = append(out, make([]byte, newPhoff-int64(len(out)))...)

	var phdrs []byte
	phdrs = append(phdrs, oldPh...)
	phVaddr := phdrVaddr(e.f, newPhoff)

	newCount := phnum + 1 + uint16(len(e.newSecs))
	phSize := int64(newCount) * int64(phentsize)

	// PT_LOAD covering the relocated phdr table itself.
	phdrs = append(phdrs, phdrEntry(elf.PT_LOAD, elf.PF_R, newPhoff, phVaddr, phSize)...)

	off := newPhoff + phSize
	var tail []byte
	for _, s := range e.newSecs {
		off = alignTo(off, s.Addr, pageSize)
		flags := elf.PF_R
		if s.Type == asm.SectionCode {
			flags |= elf.PF_X
		} else {
			flags |= elf.PF_W
		}
		phdrs = append(phdrs, phdrEntry(elf.PT_LOAD, flags, off, s.Addr, s.Size)...)
		pad := off - (newPhoff + phSize + int64(len(tail)))
		tail = append(tail, make([]byte, pad)...)
		tail = append(tail, s.Bytes...)
		off += int64(len(s.Bytes))
	}

	out = append(out, phdrs...)
	out = append(out, tail...)

	binary.LittleEndian.PutUint64(out[0x20:], uint64(newPhoff))
	binary.LittleEndian.PutUint16(out[0x38:], newCount)

	return os.WriteFile(path, out, 0755)
}

// phdrVaddr picks a virtual address for the relocated program-header
// table, congruent to its file offset modulo the page size and above
// every existing load segment.
func phdrVaddr(f *elf.File, off int64) int64 {
	var top int64
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && int64(p.Vaddr+p.Memsz) > top {
			top = int64(p.Vaddr + p.Memsz)
		}
	}
	base := align(top, pageSize)
	return base + off%pageSize
}

func phdrEntry(typ elf.ProgType, flags elf.ProgFlag, off, vaddr, size int64) []byte {
	b := make([]byte, 56)
	binary.LittleEndian.PutUint32(b[0:], uint32(typ))
	binary.LittleEndian.PutUint32(b[4:], uint32(flags))
	binary.LittleEndian.PutUint64(b[8:], uint64(off))
	binary.LittleEndian.PutUint64(b[16:], uint64(vaddr))
	binary.LittleEndian.PutUint64(b[24:], uint64(vaddr))
	binary.LittleEndian.PutUint64(b[32:], uint64(size))
	binary.LittleEndian.PutUint64(b[40:], uint64(size))
	binary.LittleEndian.PutUint64(b[48:], pageSize)
	return b
}

func align(v, a int64) int64 {
	return (v + a - 1) &^ (a - 1)
}

// alignTo advances off until it is congruent to vaddr modulo a.
func alignTo(off, vaddr, a int64) int64 {
	delta := (vaddr - off) % a
	if delta < 0 {
		delta += a
	}
	return off + delta
}
