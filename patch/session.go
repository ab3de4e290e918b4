// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/go-binpatch/binpatch/asm"
	"github.com/go-binpatch/binpatch/binfile"
)

// Session is one patching run over a file: it owns the interval store,
// the patched-instruction map, the moved blocks, and the modification
// queue. Sessions are single-threaded; a second session on the same file
// must wait for the first to finalise or be dropped.
type Session struct {
	f  *asm.File
	bf binfile.Backend
	st *IntervalStore
	pm *InsnMap
	pl *planner

	modifs []*Modification
	nextID int

	// In-place edits: replacement instruction lists keyed by the
	// original they overwrite, and the modifications that produced
	// them.
	inPlace       map[*asm.Insn][]*asm.Insn
	replaceModifs map[*asm.Insn][]*Modification

	// insertHead maps an insertion anchor to the first instruction of
	// the code inserted before it, so branches aimed at the anchor
	// execute the insertion by default.
	insertHead map[*asm.Insn]*asm.Insn

	pendingLabels  []*Modification
	pendingRenames []*Modification

	staticSyms map[string]string
	staticLibs []*Modification
	dynLibs    map[string]bool
	dynStubs   map[string]*asm.Label

	globVars   []*asm.DataEntry
	varsByName map[string]*asm.DataEntry
	stack      *asm.DataEntry
	stackSize  int64

	// updateable holds the patcher-created branches the engine may
	// retarget later; BranchNoUpdDst keeps a branch out of it.
	updateable mapset.Set[*asm.Insn]

	newSections []*asm.Section
	// origBytes snapshots pristine section contents so byte emission
	// can run again after the back end finalises.
	origBytes map[*asm.Section][]byte

	log log15.Logger

	finalised bool
}

// Options tunes a session.
type Options struct {
	// StackSize overrides the patcher-owned stack size for NewStack
	// insertions.
	StackSize int64
	// Logger receives session-level events; a discarding logger is
	// installed when nil.
	Logger log15.Logger
}

// NewSession initialises a session over a disassembled file and its
// binfile backend.
func NewSession(f *asm.File, bf binfile.Backend, opts Options) (*Session, error) {
	if f == nil {
		return nil, asm.ErrMissingAsmFile
	}
	if f.Arch == nil {
		return nil, asm.ErrArchUnknown
	}
	lg := opts.Logger
	if lg == nil {
		lg = log15.New("module", "patch")
		lg.SetHandler(log15.DiscardHandler())
	}

	codeLo, codeHi := f.CodeBounds()
	st, code := NewIntervalStore(
		bf.FreeIntervals(),
		codeLo, codeHi,
		f.Arch.SignedReach(asm.JumpDirect),
		f.Arch.SignedReach(asm.JumpMemRel),
		f.CodeSize(), f.ReferencedDataSize(),
	)
	if code != asm.CodeOK {
		f.SetLastError(code)
		lg.Warn("interval reservation fallback", "code", code.String())
	}

	pm := NewInsnMap(f.Arch, f.Refs)
	s := &Session{
		f:             f,
		bf:            bf,
		st:            st,
		pm:            pm,
		pl:            newPlanner(f, st, pm),
		inPlace:       make(map[*asm.Insn][]*asm.Insn),
		replaceModifs: make(map[*asm.Insn][]*Modification),
		insertHead:    make(map[*asm.Insn]*asm.Insn),
		staticSyms:    make(map[string]string),
		dynLibs:       make(map[string]bool),
		dynStubs:      make(map[string]*asm.Label),
		varsByName:    make(map[string]*asm.DataEntry),
		updateable:    mapset.NewThreadUnsafeSet[*asm.Insn](),
		log:           lg,
	}
	if opts.StackSize > 0 {
		s.stackSize = opts.StackSize
	} else {
		s.stackSize = DefaultStackSize
	}
	return s, nil
}

// Free tears the session down: moved blocks release their intervals
// first, then the store itself is dropped. The session is unusable
// afterwards.
func (s *Session) Free() {
	for _, b := range s.pl.Blocks() {
		if b.Iv != nil {
			s.st.Release(b.Iv)
		}
		if b.CellIv != nil {
			s.st.Release(b.CellIv)
		}
	}
	s.pl.blocks = nil
	s.pl.byIdx = nil
	s.pm = nil
	s.st = nil
	s.modifs = nil
}

// File returns the session's file.
func (s *Session) File() *asm.File { return s.f }

// Intervals exposes the interval store for inspection tools.
func (s *Session) Intervals() *IntervalStore { return s.st }

// Blocks returns the planned moved blocks.
func (s *Session) Blocks() []*MovedBlock { return s.pl.Blocks() }

// Modifications returns the request queue, including cancelled and
// failed entries, for diagnostics.
func (s *Session) Modifications() []*Modification { return s.modifs }

// LastError returns the session's sticky diagnostic code.
func (s *Session) LastError() asm.Code { return s.f.LastError() }

// SetLastErrorCode applies the sticky rule and returns the previous
// code.
func (s *Session) SetLastErrorCode(c asm.Code) asm.Code {
	return s.f.SetLastError(c)
}

func (s *Session) add(m *Modification) *Modification {
	m.ID = s.nextID
	s.nextID++
	s.modifs = append(s.modifs, m)
	return m
}

func (s *Session) anchorAt(addr int64) (*asm.Insn, error) {
	ins := s.f.InsnByAddr(addr)
	if ins == nil {
		return nil, errors.Wrapf(asm.ErrInsnNotFound, "no instruction at %#x", addr)
	}
	return ins, nil
}

// Insert queues an insertion of insns at addr. A floating insertion
// passes addr < 0 and must carry a successor via (*Modification).NextInsn
// or Next before finalisation.
func (s *Session) Insert(addr int64, insns []*asm.Insn, pos Position, flags ModifFlags) (*Modification, error) {
	m := &Modification{Kind: ModifInsert, Pos: pos, Flags: flags, Insns: insns}
	if addr >= 0 {
		anchor, err := s.anchorAt(addr)
		if err != nil {
			return nil, err
		}
		m.Anchor = anchor
	} else {
		m.Pos = PosFloating
	}
	return s.add(m), nil
}

// InsertCall queues a call insertion to fct, resolved against the file,
// inserted static libraries, and the dynamic linker, in that order.
func (s *Session) InsertCall(addr int64, fct, lib string, pos Position, flags ModifFlags) (*Modification, error) {
	anchor, err := s.anchorAt(addr)
	if err != nil {
		return nil, err
	}
	m := &Modification{Kind: ModifInsertFct, Pos: pos, Flags: flags, Anchor: anchor, Fct: fct, Lib: lib}
	return s.add(m), nil
}

// Replace queues a replacement of the instruction at addr. A nil insns
// suppresses it under NOPs of matching length.
func (s *Session) Replace(addr int64, insns []*asm.Insn, flags ModifFlags) (*Modification, error) {
	anchor, err := s.anchorAt(addr)
	if err != nil {
		return nil, err
	}
	m := &Modification{Kind: ModifReplace, Pos: PosReplace, Flags: flags, Anchor: anchor, Insns: insns}
	return s.add(m), nil
}

// Modify queues an opcode/operand rewrite of the instruction at addr.
func (s *Session) Modify(addr int64, newCode int, operands []asm.Operand, padShorter bool, flags ModifFlags) (*Modification, error) {
	anchor, err := s.anchorAt(addr)
	if err != nil {
		return nil, err
	}
	m := &Modification{Kind: ModifModify, Flags: flags, Anchor: anchor,
		NewCode: newCode, NewOperands: operands, PadShorter: padShorter}
	return s.add(m), nil
}

// Delete queues a deletion of the instruction at addr.
func (s *Session) Delete(addr int64, flags ModifFlags) (*Modification, error) {
	anchor, err := s.anchorAt(addr)
	if err != nil {
		return nil, err
	}
	return s.add(&Modification{Kind: ModifDelete, Flags: flags, Anchor: anchor}), nil
}

// Relocate queues a relocation of the block enclosing addr.
func (s *Session) Relocate(addr int64, flags ModifFlags) (*Modification, error) {
	anchor, err := s.anchorAt(addr)
	if err != nil {
		return nil, err
	}
	return s.add(&Modification{Kind: ModifRelocate, Flags: flags, Anchor: anchor}), nil
}

// InsertLabel queues a label installation at addr; it is applied once
// section addresses are final.
func (s *Session) InsertLabel(addr int64, name string, typ asm.LabelType) (*Modification, error) {
	anchor, err := s.anchorAt(addr)
	if err != nil {
		return nil, err
	}
	m := &Modification{Kind: ModifInsertLbl, Anchor: anchor, LabelName: name, LabelType: typ}
	return s.add(m), nil
}

// InsertVar queues a global-variable insertion. With addr >= 0 the
// variable becomes local data of the enclosing moved block.
func (s *Session) InsertVar(addr int64, name string, size, align int, init []byte) (*Modification, error) {
	m := &Modification{Kind: ModifInsertVar, VarName: name, VarSize: size, VarAlign: align, VarInit: init}
	if addr >= 0 {
		anchor, err := s.anchorAt(addr)
		if err != nil {
			return nil, err
		}
		m.Anchor = anchor
	}
	return s.add(m), nil
}

// InsertLib queues a library requirement. Static libraries contribute
// their exported symbols to call resolution; dynamic ones become loader
// requirements.
func (s *Session) InsertLib(name string, static bool, symbols, externs []string) (*Modification, error) {
	m := &Modification{Kind: ModifInsertLib, LibName: name, LibStatic: static,
		Symbols: symbols, Externs: externs}
	return s.add(m), nil
}

// RenameLabel queues a symbol rename.
func (s *Session) RenameLabel(old, new string) (*Modification, error) {
	return s.add(&Modification{Kind: ModifRenameLbl, OldName: old, NewName: new}), nil
}

// RenameLibrary queues a dynamic-library rename.
func (s *Session) RenameLibrary(old, new string) (*Modification, error) {
	return s.add(&Modification{Kind: ModifRenameLib, OldName: old, NewName: new}), nil
}

// Var returns the data entry of a previously inserted variable.
func (s *Session) Var(name string) *asm.DataEntry { return s.varsByName[name] }

func (s *Session) generateJump(kind asm.JumpKind, from int64) ([]*asm.Insn, *asm.Insn, *asm.Pointer, error) {
	return s.f.Arch.GenerateJump(kind, from)
}

// resolveCallee resolves a call target through the four tiers: internal
// label, inserted static library, inserted dynamic stub, new dynamic
// stub.
func (s *Session) resolveCallee(fct, lib string) (*asm.Pointer, asm.Code) {
	if l := s.f.LookupLabel(fct); l != nil {
		p := &asm.Pointer{Mode: asm.AddrRelative, Addr: l.Addr}
		if l.Kind == asm.TargetInsn && l.Insn != nil {
			p.Kind = asm.TargetInsn
			p.Insn = l.Insn
		}
		p.Refresh()
		return p, asm.CodeOK
	}
	if _, ok := s.staticSyms[fct]; ok {
		// The binfile back end places inserted objects; their symbols
		// surface as labels once placed.
		if l := s.f.LookupLabel(fct); l != nil {
			return &asm.Pointer{Mode: asm.AddrRelative, Addr: l.Addr}, asm.CodeOK
		}
	}
	stubName := s.f.Arch.StubLabelName(fct)
	if l, ok := s.dynStubs[stubName]; ok {
		return &asm.Pointer{Mode: asm.AddrRelative, Addr: l.Addr}, asm.CodeOK
	}
	if !s.bf.HasDynamicLoader() {
		return nil, asm.ErrNoDynamicLoader
	}
	l, err := s.bf.AddExtFunctionStub(stubName, lib)
	if err != nil {
		logger.Printf("stub creation for %q failed: %v", fct, err)
		return nil, asm.ErrFunctionNotInserted
	}
	s.dynStubs[stubName] = l
	if lib != "" {
		s.dynLibs[lib] = true
	}
	return &asm.Pointer{Mode: asm.AddrRelative, Addr: l.Addr}, asm.CodeOK
}

// resolveUndefined runs once all modifications are processed: each
// external symbol of an inserted static library probes the host file's
// labels, the symbols of inserted static libraries, then the dynamic
// stubs already created; leftovers become dynamic stubs when the file
// has a loader, and hard errors otherwise.
func (s *Session) resolveUndefined() asm.Code {
	for _, lm := range s.staticLibs {
		for _, ext := range lm.Externs {
			if s.f.LookupLabel(ext) != nil {
				continue
			}
			if _, ok := s.staticSyms[ext]; ok {
				continue
			}
			if _, ok := s.dynStubs[s.f.Arch.StubLabelName(ext)]; ok {
				continue
			}
			if s.bf.HasDynamicLoader() {
				stub := s.f.Arch.StubLabelName(ext)
				l, err := s.bf.AddExtFunctionStub(stub, "")
				if err == nil {
					s.dynStubs[stub] = l
					lm.setErr(s, asm.WarnSymbolAddedAsExternal)
					continue
				}
			}
			lm.setErr(s, asm.ErrUnresolvedSymbol)
			return asm.ErrUnresolvedSymbol
		}
	}
	return asm.CodeOK
}

// allocStack lazily allocates the patcher-owned stack area.
func (s *Session) allocStack() (*asm.DataEntry, asm.Code) {
	if s.stack != nil {
		return s.stack, asm.CodeOK
	}
	size := s.stackSize
	iv, addr := s.st.FindFit(size, 16, ReachNone, ReserveData, UsedData)
	if iv == nil {
		iv, addr = s.st.FindFit(size, 16, ReachNone, ReserveNone, UsedData)
	}
	if iv == nil {
		return nil, asm.ErrNoSpaceForGlobVar
	}
	s.stack = &asm.DataEntry{Addr: addr, Size: int(size), Align: 16, Bytes: nil}
	s.stack.Label = &asm.Label{Name: "bpatch_stack", Addr: addr, Type: asm.LabelVariable, Kind: asm.TargetData, Data: s.stack}
	s.globVars = append(s.globVars, s.stack)
	return s.stack, asm.CodeOK
}

// bindStack binds the stack-switch instruction of a call list to the
// allocated stack area.
func (s *Session) bindStack(list []*asm.Insn, entry *asm.DataEntry) {
	for _, ins := range list {
		p := ins.Ptr()
		if p != nil && p.Kind == asm.TargetData && p.Data == nil {
			p.Data = entry
			p.Refresh()
		}
	}
}
