// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package binfile defines the back-end interface between the patch engine
// and a binary format, plus two implementations: an in-memory image used
// by tests and raw firmware-style files, and a read/rewrite adapter for
// little-endian ELF64 executables.
package binfile

import (
	"github.com/go-binpatch/binpatch/asm"
)

// Range is a half-open range of virtual addresses.
type Range struct {
	Addr int64
	End  int64
}

// Size returns the range's byte size.
func (r Range) Size() int64 {
	return r.End - r.Addr
}

// Backend is what the patch engine requires of a binary format. The
// original file is never modified; Write produces a new file.
type Backend interface {
	// Sections enumerates the loadable sections with their instructions
	// or data entries filled in by the front end.
	Sections() []*asm.Section

	// FreeIntervals lists the virtual-address ranges available for new
	// sections.
	FreeIntervals() []Range

	// HasDynamicLoader reports whether the file is dynamically linked.
	HasDynamicLoader() bool

	// AddSection creates a new section at the given address. The
	// backend may refuse an address it cannot express.
	AddSection(name string, typ asm.SectionType, addr, size int64) (*asm.Section, error)

	// CopyDataEntry returns the patched file's copy of an original data
	// entry, creating it on first request.
	CopyDataEntry(d *asm.DataEntry) (*asm.DataEntry, error)

	// AddLibrary records a dynamic-library requirement.
	AddLibrary(name string) asm.Code

	// AddExtFunctionStub creates a dynamic-function stub and returns
	// the label of its entry point.
	AddExtFunctionStub(name, lib string) (*asm.Label, error)

	// AddLabel installs a label in the output file's symbol data.
	AddLabel(l *asm.Label) error

	// RenameLabel renames a symbol.
	RenameLabel(old, new string) error

	// RenameLibrary renames a dynamic-library entry.
	RenameLibrary(old, new string) error

	// MoveSection relocates a section into the given range and returns
	// the portion actually used. The backend may refuse.
	MoveSection(s *asm.Section, to Range) (Range, error)

	// Grew reports whether a section's content outgrew its original
	// size during patching.
	Grew(s *asm.Section) bool

	// Finalize freezes section addresses and builds the format's
	// load-time metadata.
	Finalize() error

	// Write emits the output file.
	Write(path string) error
}
