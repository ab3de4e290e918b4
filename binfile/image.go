// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package binfile

import (
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/go-binpatch/binpatch/asm"
)

// Image is the in-memory backend: sections and free ranges are declared
// programmatically, and Write emits a flat image of the address space.
// The engine tests run against it, and it doubles as the format for raw
// firmware-style files.
type Image struct {
	Base    int64
	Dynamic bool

	sections  []*asm.Section
	free      []Range
	libraries []string
	stubs     map[string]*asm.Label
	labels    []*asm.Label
	dataCopy  map[*asm.DataEntry]*asm.DataEntry
	copies    []*asm.DataEntry
	origSize  map[*asm.Section]int64

	// stub area: stubs are laid out stubSize apart from stubNext.
	stubNext int64
	stubSize int64

	finalized bool
}

// NewImage returns an empty image based at base.
func NewImage(base int64) *Image {
	return &Image{
		Base:     base,
		stubs:    make(map[string]*asm.Label),
		dataCopy: make(map[*asm.DataEntry]*asm.DataEntry),
		origSize: make(map[*asm.Section]int64),
	}
}

// DeclareSection registers an existing section of the image.
func (im *Image) DeclareSection(s *asm.Section) {
	im.sections = append(im.sections, s)
	im.origSize[s] = s.Size
	sort.Slice(im.sections, func(i, j int) bool { return im.sections[i].Addr < im.sections[j].Addr })
}

// DeclareFree registers a free virtual-address range.
func (im *Image) DeclareFree(r Range) {
	im.free = append(im.free, r)
	sort.Slice(im.free, func(i, j int) bool { return im.free[i].Addr < im.free[j].Addr })
}

// DeclareStubArea reserves an address range for dynamic-function stubs.
func (im *Image) DeclareStubArea(addr, stubSize int64) {
	im.stubNext = addr
	im.stubSize = stubSize
}

func (im *Image) Sections() []*asm.Section { return im.sections }

func (im *Image) FreeIntervals() []Range {
	out := make([]Range, len(im.free))
	copy(out, im.free)
	return out
}

func (im *Image) HasDynamicLoader() bool { return im.Dynamic }

func (im *Image) AddSection(name string, typ asm.SectionType, addr, size int64) (*asm.Section, error) {
	if im.finalized {
		return nil, errors.New("binfile: image already finalized")
	}
	s := &asm.Section{
		Name:  name,
		Addr:  addr,
		Size:  size,
		Type:  typ,
		Attrs: asm.AttrLoaded | asm.AttrNew,
		Bytes: make([]byte, size),
	}
	im.sections = append(im.sections, s)
	sort.Slice(im.sections, func(i, j int) bool { return im.sections[i].Addr < im.sections[j].Addr })
	return s, nil
}

func (im *Image) CopyDataEntry(d *asm.DataEntry) (*asm.DataEntry, error) {
	if c, ok := im.dataCopy[d]; ok {
		return c, nil
	}
	c := &asm.DataEntry{
		Addr:  d.Addr,
		Size:  d.Size,
		Align: d.Align,
		Bytes: append([]byte(nil), d.Bytes...),
	}
	im.dataCopy[d] = c
	im.copies = append(im.copies, c)
	return c, nil
}

// DataCopies returns the copies made so far, in creation order.
func (im *Image) DataCopies() []*asm.DataEntry { return im.copies }

func (im *Image) AddLibrary(name string) asm.Code {
	if !im.Dynamic {
		return asm.ErrNoDynamicLoader
	}
	for _, l := range im.libraries {
		if l == name {
			return asm.CodeOK
		}
	}
	im.libraries = append(im.libraries, name)
	return asm.CodeOK
}

// Libraries returns the recorded dynamic-library requirements.
func (im *Image) Libraries() []string { return im.libraries }

func (im *Image) AddExtFunctionStub(name, lib string) (*asm.Label, error) {
	if !im.Dynamic {
		return nil, asm.ErrNoDynamicLoader
	}
	if l, ok := im.stubs[name]; ok {
		return l, nil
	}
	if im.stubSize == 0 {
		return nil, errors.New("binfile: image has no stub area")
	}
	if code := im.AddLibrary(lib); code.IsError() {
		return nil, code
	}
	l := &asm.Label{Name: name, Addr: im.stubNext, Type: asm.LabelExternal}
	im.stubNext += im.stubSize
	im.stubs[name] = l
	im.labels = append(im.labels, l)
	return l, nil
}

// Stub returns the stub label registered under name, or nil.
func (im *Image) Stub(name string) *asm.Label { return im.stubs[name] }

func (im *Image) AddLabel(l *asm.Label) error {
	im.labels = append(im.labels, l)
	return nil
}

// Labels returns the labels installed in the output, in insertion order.
func (im *Image) Labels() []*asm.Label { return im.labels }

func (im *Image) RenameLabel(old, new string) error {
	for _, l := range im.labels {
		if l.Name == old {
			l.Name = new
			return nil
		}
	}
	return fmt.Errorf("binfile: %v: %q", asm.ErrSymbolNotFound, old)
}

func (im *Image) RenameLibrary(old, new string) error {
	for i, l := range im.libraries {
		if l == old {
			im.libraries[i] = new
			return nil
		}
	}
	return fmt.Errorf("binfile: %v: library %q", asm.ErrSymbolNotFound, old)
}

func (im *Image) MoveSection(s *asm.Section, to Range) (Range, error) {
	if to.Size() < s.Size {
		return Range{}, fmt.Errorf("binfile: range %#x-%#x too small for section %s", to.Addr, to.End, s.Name)
	}
	s.Addr = to.Addr
	s.Attrs |= asm.AttrReordered
	return Range{Addr: to.Addr, End: to.Addr + s.Size}, nil
}

func (im *Image) Grew(s *asm.Section) bool {
	orig, ok := im.origSize[s]
	return ok && s.Size > orig
}

func (im *Image) Finalize() error {
	im.finalized = true
	return nil
}

func (im *Image) Write(path string) error {
	if !im.finalized {
		return errors.New("binfile: image not finalized")
	}
	b, err := im.Bytes()
	if err != nil {
		return errors.Wrap(err, "binfile: image write")
	}
	return os.WriteFile(path, b, 0644)
}

// Bytes lays the sections out as a flat image of the address space
// starting at Base. Gaps are zero-filled.
func (im *Image) Bytes() ([]byte, error) {
	end := im.Base
	for _, s := range im.sections {
		if s.Attrs&asm.AttrLoaded == 0 {
			continue
		}
		if s.Addr < im.Base {
			return nil, fmt.Errorf("binfile: section %s below image base", s.Name)
		}
		if s.End() > end {
			end = s.End()
		}
	}
	out := make([]byte, end-im.Base)
	for _, s := range im.sections {
		if s.Attrs&asm.AttrLoaded == 0 || len(s.Bytes) == 0 {
			continue
		}
		copy(out[s.Addr-im.Base:], s.Bytes)
	}
	return out, nil
}
