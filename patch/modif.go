// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"sort"

	"github.com/go-binpatch/binpatch/asm"
)

// ModifKind is the kind of a modification request.
type ModifKind uint8

const (
	ModifInsert ModifKind = iota
	ModifReplace
	ModifModify
	ModifDelete
	ModifRelocate
	ModifInsertFct
	ModifInsertLbl
	ModifInsertVar
	ModifInsertLib
	ModifRenameLbl
	ModifRenameLib
)

func (k ModifKind) String() string {
	switch k {
	case ModifInsert:
		return "insert"
	case ModifReplace:
		return "replace"
	case ModifModify:
		return "modify"
	case ModifDelete:
		return "delete"
	case ModifRelocate:
		return "relocate"
	case ModifInsertFct:
		return "insert-fct"
	case ModifInsertLbl:
		return "insert-lbl"
	case ModifInsertVar:
		return "insert-var"
	case ModifInsertLib:
		return "insert-lib"
	case ModifRenameLbl:
		return "rename-lbl"
	case ModifRenameLib:
		return "rename-lib"
	}
	return "unknown"
}

// priority orders kinds anchored at the same address: structural requests
// first, then shrinking edits, then growing ones.
func (k ModifKind) priority() int {
	switch k {
	case ModifRelocate:
		return 0
	case ModifDelete:
		return 1
	case ModifReplace:
		return 2
	case ModifModify:
		return 3
	case ModifInsert:
		return 4
	case ModifInsertFct:
		return 5
	case ModifInsertVar:
		return 6
	case ModifInsertLib:
		return 7
	case ModifInsertLbl:
		return 8
	}
	return 9
}

// Position places an insertion relative to its anchor.
type Position uint8

const (
	PosBefore Position = iota
	PosAfter
	PosReplace
	PosKeep
	PosFloating
)

// ModifFlags is the option bitfield of a modification.
type ModifFlags uint32

const (
	// MovSingleInsn relocates only the anchor instruction when it alone
	// reaches jump size.
	MovSingleInsn ModifFlags = 1 << iota
	// ForceInsert downgrades a fatal lack of room to a warning.
	ForceInsert
	// MoveFcts allows extending the moved block to the enclosing
	// function.
	MoveFcts
	// NewStack runs the insertion on a patcher-owned stack.
	NewStack
	// NoUpdOutFct leaves branches from outside the anchor's function
	// aimed past the insertion.
	NoUpdOutFct
	// NoUpdFromFct does the same for branches inside the function.
	NoUpdFromFct
	// NoUpdFromLoop does the same for branches inside the loop.
	NoUpdFromLoop
	// BranchNoUpdDst keeps the inserted branch out of the updateable
	// set.
	BranchNoUpdDst
	// ModifFixed pins the moved block at a reproducible address.
	ModifFixed
)

// DefaultStackSize is the size of the patcher-owned stack allocated for
// NewStack insertions.
const DefaultStackSize = 1 << 20

// ModifState tracks a modification through its lifecycle.
type ModifState uint16

const (
	StateProcessed ModifState = 1 << iota
	StateApplied
	StateFinalised
	StateAttached
	StateCancel
	StateError
	StateIsElse
)

// Modification is one user request. It is consumed exactly once by the
// processor and retained to the end for diagnostics.
type Modification struct {
	ID    int
	Kind  ModifKind
	Pos   Position
	Flags ModifFlags
	State ModifState

	Anchor *asm.Insn

	// Insert payload and guards.
	Insns     []*asm.Insn
	Cond      *Cond
	ElseInsns []*asm.Insn
	CondRecs  []CondLeafRecord

	// Modify payload.
	NewCode     int
	NewOperands []asm.Operand
	PadShorter  bool

	// Function-call payload.
	Fct string
	Lib string

	// Variable payload.
	VarName  string
	VarSize  int
	VarAlign int
	VarInit  []byte
	Var      *asm.DataEntry

	// Label payload.
	LabelName string
	LabelType asm.LabelType

	// Library payload.
	LibName   string
	LibStatic bool
	Symbols   []string
	Externs   []string

	// Rename payload.
	OldName string
	NewName string

	// Next chains another modification's instruction list onto this
	// one; NextInsn instead branches to an instruction in the file.
	Next     *Modification
	NextInsn *asm.Insn

	SizeDelta int64
	Block     *MovedBlock
	Err       asm.Code
}

// setErr records the modification's sticky diagnostic and mirrors it on
// the session.
func (m *Modification) setErr(s *Session, c asm.Code) {
	m.Err = asm.UpdateCode(m.Err, c)
	if c.IsError() {
		m.State |= StateError
	}
	s.f.SetLastError(c)
}

// Cancel withdraws a modification before processing.
func (m *Modification) Cancel() {
	m.State |= StateCancel
}

// sortModifs orders the request stream deterministically: anchor
// address, kind priority, then submission id. Floating modifications
// come last. Two modifications at the same position with the same
// priority keep submission order.
func sortModifs(ms []*Modification) {
	sort.SliceStable(ms, func(i, j int) bool {
		ai, aj := modifAddr(ms[i]), modifAddr(ms[j])
		if ai != aj {
			return ai < aj
		}
		pi, pj := ms[i].Kind.priority(), ms[j].Kind.priority()
		if pi != pj {
			return pi < pj
		}
		return ms[i].ID < ms[j].ID
	})
}

func modifAddr(m *Modification) int64 {
	if m.Anchor == nil {
		return 1<<62 - 1
	}
	return m.Anchor.Addr
}

// process lowers one modification. Bytes are not produced here; the
// address-assembly pass and the finaliser do that later.
func (s *Session) process(m *Modification) asm.Code {
	if m.State&StateCancel != 0 {
		return asm.CodeOK
	}
	if m.State&StateAttached != 0 {
		// Consumed by the modification it is chained to.
		m.State |= StateProcessed
		return asm.CodeOK
	}
	var code asm.Code
	switch m.Kind {
	case ModifInsert, ModifInsertFct:
		code = s.processInsert(m)
	case ModifReplace:
		code = s.processReplace(m)
	case ModifModify:
		code = s.processModify(m)
	case ModifDelete:
		code = s.processDelete(m)
	case ModifRelocate:
		code = s.processRelocate(m)
	case ModifInsertLbl:
		s.pendingLabels = append(s.pendingLabels, m)
	case ModifInsertVar:
		code = s.processInsertVar(m)
	case ModifInsertLib:
		code = s.processInsertLib(m)
	case ModifRenameLbl, ModifRenameLib:
		s.pendingRenames = append(s.pendingRenames, m)
	default:
		code = asm.ErrMissingModif
	}
	m.State |= StateProcessed
	if code != asm.CodeOK {
		m.setErr(s, code)
	}
	return code
}

// payloadList assembles the full instruction list of an insertion:
// call generation for insert-fct, chained modifications, the successor
// branch, and the condition prologue.
func (s *Session) payloadList(m *Modification, succ *asm.Insn) ([]*asm.Insn, asm.Code) {
	list := m.Insns

	if m.Kind == ModifInsertFct {
		callee, code := s.resolveCallee(m.Fct, m.Lib)
		if code.IsError() {
			return nil, code
		}
		stack := asm.StackPolicy{}
		if m.Flags&NewStack != 0 {
			entry, code := s.allocStack()
			if code.IsError() {
				return nil, code
			}
			stack.NewStack = int64(entry.Size)
			m.Var = entry
		}
		callList, call, err := s.f.Arch.GenerateCall(callee, stack)
		if err != nil {
			logger.Printf("call generation failed: %v", err)
			return nil, asm.ErrFunctionNotInserted
		}
		if m.Flags&NewStack != 0 {
			s.bindStack(callList, m.Var)
		}
		if p := call.Ptr(); p != nil && p.Kind == asm.TargetInsn && p.Insn != nil && m.Flags&BranchNoUpdDst == 0 {
			s.f.Refs.AddNewBranch(call, p.Insn)
			s.updateable.Add(call)
		}
		list = append(list, callList...)
	}

	// Chain: another modification's list is appended and flagged
	// attached; an instruction link instead ends the list with a branch.
	for next := m.Next; next != nil; next = next.Next {
		next.State |= StateAttached
		list = append(list, next.Insns...)
	}
	if m.NextInsn != nil {
		jmp, br, ptr, err := s.generateJump(asm.JumpDirect, 0)
		if err != nil {
			return nil, asm.ErrInsufficientSizeForInsert
		}
		ptr.Kind = asm.TargetInsn
		ptr.Insn = m.NextInsn
		ptr.Refresh()
		if m.Flags&BranchNoUpdDst == 0 {
			s.f.Refs.AddNewBranch(br, m.NextInsn)
			s.updateable.Add(br)
		}
		list = append(list, jmp...)
	}

	if m.Cond != nil {
		var elseHead *asm.Insn
		if len(m.ElseInsns) > 0 {
			elseHead = m.ElseInsns[0]
		}
		prologue, recs, err := LowerCond(s.f.Arch, m.Cond, elseHead, succ, list)
		if err != nil {
			logger.Printf("condition lowering failed: %v", err)
			return nil, asm.ErrInsufficientSizeForInsert
		}
		m.CondRecs = recs
		for _, ins := range prologue {
			if ins.IsBranch() {
				if p := ins.Ptr(); p != nil && p.Insn != nil {
					s.f.Refs.AddNewBranch(ins, p.Insn)
				}
			}
		}
		full := append(prologue, list...)
		if len(m.ElseInsns) > 0 {
			// The payload skips the else code.
			jmp, br, ptr, err := s.generateJump(asm.JumpDirect, 0)
			if err != nil {
				return nil, asm.ErrInsufficientSizeForInsert
			}
			ptr.Kind = asm.TargetInsn
			ptr.Insn = succ
			ptr.Refresh()
			if succ != nil {
				s.f.Refs.AddNewBranch(br, succ)
			}
			full = append(full, jmp...)
			full = append(full, m.ElseInsns...)
		}
		list = full
	}

	for _, ins := range list {
		ins.Annotate(asm.AnnotNew)
	}
	return list, asm.CodeOK
}

func (s *Session) processInsert(m *Modification) asm.Code {
	if m.Anchor == nil {
		// A floating insertion needs somewhere to go afterwards.
		if m.NextInsn == nil && m.Next == nil {
			return asm.ErrFloatingModifNoSuccessor
		}
		return s.processFloating(m)
	}

	b, code := s.pl.BlockFor(m.Anchor, m.Flags)
	if code.IsError() {
		return code
	}
	m.Block = b
	b.Modifs = append(b.Modifs, m)

	anchorPi := s.pm.Get(m.Anchor)
	pos := b.find(anchorPi)
	if pos < 0 {
		return asm.ErrInsnNotFound
	}

	// The instruction control reaches when the condition fails.
	var succIns *asm.Insn
	if anchorPi.New != nil {
		succIns = anchorPi.New
	}
	if m.Pos == PosAfter || m.Pos == PosKeep {
		pos++
		if nl := b.NextLive(pos); nl != nil {
			succIns = nl.New
		} else {
			succIns = nil // falls through to the return branch
		}
	}

	list, code := s.payloadList(m, succIns)
	if code.IsError() {
		return code
	}
	if m.Pos == PosReplace {
		s.pm.Delete(anchorPi)
		m.SizeDelta -= int64(m.Anchor.Len)
	}

	copies := make([]*PatchedInsn, len(list))
	var total int64
	for i, ins := range list {
		copies[i] = s.pm.Synth(ins)
		total += int64(ins.Len)
	}
	b.insertAt(pos, copies...)
	m.SizeDelta += total
	if m.Pos == PosBefore || m.Pos == PosReplace {
		if _, ok := s.insertHead[m.Anchor]; !ok && len(list) > 0 {
			s.insertHead[m.Anchor] = list[0]
		}
	}
	s.retargetExcluded(m, anchorPi)

	b.computeMaxSize(s.f.Arch)
	m.State |= StateApplied
	return asm.CodeOK
}

// processFloating places an anchor-less insertion in its own block.
func (s *Session) processFloating(m *Modification) asm.Code {
	list, code := s.payloadList(m, nil)
	if code.IsError() {
		return code
	}
	b := &MovedBlock{First: -1, Last: -1, Flavor: asm.JumpIndirect}
	for _, ins := range list {
		b.Insns = append(b.Insns, s.pm.Synth(ins))
	}
	b.renumber()
	b.computeMaxSize(s.f.Arch)
	s.pl.blocks = append(s.pl.blocks, b)
	m.Block = b
	b.Modifs = append(b.Modifs, m)
	m.State |= StateApplied
	return asm.CodeOK
}

func (s *Session) processReplace(m *Modification) asm.Code {
	repl := m.Insns
	if len(repl) == 0 {
		// Bare replace suppresses the instruction under matching NOPs.
		nop, err := s.f.Arch.GenerateNop(m.Anchor.Len)
		if err != nil {
			// No single NOP of that size; use byte-sized ones.
			for i := 0; i < m.Anchor.Len; i++ {
				n, err := s.f.Arch.GenerateNop(1)
				if err != nil {
					return asm.ErrInsufficientSizeForInsert
				}
				repl = append(repl, n)
			}
		} else {
			repl = []*asm.Insn{nop}
		}
	}
	var newLen int64
	for _, ins := range repl {
		newLen += int64(ins.Len)
		ins.Annotate(asm.AnnotNew)
	}
	m.SizeDelta = newLen - int64(m.Anchor.Len)

	if m.SizeDelta == 0 {
		// Same-size replacement happens in place.
		pi := s.pm.Touch(m.Anchor)
		s.pm.Delete(pi)
		m.Anchor.Annotate(asm.AnnotUpd)
		s.inPlace[m.Anchor] = append(s.inPlace[m.Anchor], repl...)
		s.replaceModifs[m.Anchor] = append(s.replaceModifs[m.Anchor], m)
		m.State |= StateApplied
		return asm.CodeOK
	}

	b, code := s.pl.BlockFor(m.Anchor, m.Flags)
	if code.IsError() {
		return code
	}
	m.Block = b
	b.Modifs = append(b.Modifs, m)
	pi := s.pm.Get(m.Anchor)
	pos := b.find(pi)

	// The replacement's head becomes the anchor's patched copy, so that
	// branches aimed at the anchor follow it into the new section.
	s.pm.ReplaceNew(pi, repl[0])
	m.Anchor.Annotate(asm.AnnotDel)
	copies := make([]*PatchedInsn, 0, len(repl)-1)
	for _, ins := range repl[1:] {
		copies = append(copies, s.pm.Synth(ins))
	}
	b.insertAt(pos+1, copies...)
	s.retargetExcluded(m, pi)
	b.computeMaxSize(s.f.Arch)
	m.State |= StateApplied
	return asm.CodeOK
}

func (s *Session) processModify(m *Modification) asm.Code {
	pi := s.pm.Touch(m.Anchor)
	s.pm.Upgrade(pi)
	pi.New.Code = m.NewCode
	if m.NewOperands != nil {
		pi.New.Operands = m.NewOperands
	}
	pi.New.Bytes = nil
	b, err := s.f.Arch.Encode(pi.New, true)
	if err != nil {
		logger.Printf("modify re-encode failed: %v", err)
		return asm.ErrInsnNotFound
	}
	pi.New.Len = len(b)
	pi.New.MaxLen = s.f.Arch.MaxByteSize(pi.New)
	delta := int64(pi.New.Len) - int64(m.Anchor.Len)

	if delta < 0 && m.PadShorter {
		s.inPlace[m.Anchor] = append(s.inPlace[m.Anchor], pi.New)
		for left := -delta; left > 0; left-- {
			nop, err := s.f.Arch.GenerateNop(1)
			if err != nil {
				return asm.ErrInsufficientSizeForInsert
			}
			s.inPlace[m.Anchor] = append(s.inPlace[m.Anchor], nop)
		}
		delta = 0
	}
	m.SizeDelta = delta

	if delta == 0 {
		m.Anchor.Annotate(asm.AnnotUpd)
		s.replaceModifs[m.Anchor] = append(s.replaceModifs[m.Anchor], m)
		m.State |= StateApplied
		return asm.CodeOK
	}

	blk, code := s.pl.BlockFor(m.Anchor, m.Flags)
	if code.IsError() {
		return code
	}
	m.Block = blk
	blk.Modifs = append(blk.Modifs, m)
	m.Anchor.Annotate(asm.AnnotUpd)
	blk.computeMaxSize(s.f.Arch)
	m.State |= StateApplied
	return asm.CodeOK
}

func (s *Session) processDelete(m *Modification) asm.Code {
	b, code := s.pl.BlockFor(m.Anchor, m.Flags)
	if code.IsError() {
		return code
	}
	m.Block = b
	b.Modifs = append(b.Modifs, m)
	pi := s.pm.Get(m.Anchor)
	s.pm.Delete(pi)
	m.SizeDelta = -int64(m.Anchor.Len)

	// Branches aimed at the dead instruction move to its first live
	// successor. Patcher-created branches follow only when they are in
	// the updateable set.
	next := s.nextLiveOriginal(m.Anchor)
	if next != nil {
		for _, br := range s.f.Refs.BranchesTo(m.Anchor) {
			if br.HasAnnot(asm.AnnotNew) && !s.updateable.Contains(br) {
				continue
			}
			s.retargetBranch(br, m.Anchor, next)
		}
	}
	b.computeMaxSize(s.f.Arch)
	m.State |= StateApplied
	return asm.CodeOK
}

func (s *Session) processRelocate(m *Modification) asm.Code {
	b, code := s.pl.BlockFor(m.Anchor, m.Flags)
	if code.IsError() {
		return code
	}
	m.Block = b
	b.Modifs = append(b.Modifs, m)
	m.State |= StateApplied
	return asm.CodeOK
}

func (s *Session) processInsertVar(m *Modification) asm.Code {
	size := m.VarSize
	if size <= 0 {
		size = len(m.VarInit)
	}
	align := m.VarAlign
	if align <= 0 {
		align = 1
	}
	entry := &asm.DataEntry{Size: size, Align: align, Bytes: append([]byte(nil), m.VarInit...)}
	if len(entry.Bytes) < size {
		entry.Bytes = append(entry.Bytes, make([]byte, size-len(entry.Bytes))...)
	}

	if m.Anchor != nil {
		// Variable local to the anchor's moved block.
		b, code := s.pl.BlockFor(m.Anchor, m.Flags)
		if code.IsError() {
			return code
		}
		b.LocalData = append(b.LocalData, entry)
		b.computeMaxSize(s.f.Arch)
		m.Block = b
	} else {
		iv, addr := s.st.FindFit(int64(size), int64(align), ReachRef, ReserveData, UsedData)
		if iv == nil {
			iv, addr = s.st.FindFit(int64(size), int64(align), ReachNone, ReserveData, UsedData)
		}
		if iv == nil {
			iv, addr = s.st.FindFit(int64(size), int64(align), ReachNone, ReserveNone, UsedData)
		}
		if iv == nil {
			return asm.ErrNoSpaceForGlobVar
		}
		entry.Addr = addr
		s.globVars = append(s.globVars, entry)
	}
	entry.Label = &asm.Label{Name: m.VarName, Type: asm.LabelVariable, Kind: asm.TargetData, Data: entry}
	m.Var = entry
	s.varsByName[m.VarName] = entry
	m.State |= StateApplied
	return asm.CodeOK
}

func (s *Session) processInsertLib(m *Modification) asm.Code {
	if m.LibStatic {
		for _, sym := range m.Symbols {
			s.staticSyms[sym] = m.LibName
		}
		s.staticLibs = append(s.staticLibs, m)
		m.State |= StateApplied
		return asm.CodeOK
	}
	code := s.bf.AddLibrary(m.LibName)
	if code.IsError() {
		return code
	}
	s.dynLibs[m.LibName] = true
	m.State |= StateApplied
	return code
}

// retargetExcluded applies the NoUpd* flags: branch classes the caller
// excluded keep executing the anchor directly, skipping the inserted
// code.
func (s *Session) retargetExcluded(m *Modification, anchorPi *PatchedInsn) {
	if m.Flags&(NoUpdOutFct|NoUpdFromFct|NoUpdFromLoop) == 0 {
		return
	}
	if anchorPi == nil || anchorPi.New == nil {
		return
	}
	anchorFct := s.f.EnclosingFunction(m.Anchor.Addr)
	for _, br := range s.f.Refs.BranchesTo(m.Anchor) {
		sameFct := s.f.EnclosingFunction(br.Addr) == anchorFct
		excluded := false
		if m.Flags&NoUpdOutFct != 0 && !sameFct {
			excluded = true
		}
		// Loop membership is approximated by function membership; a
		// session with loop analysis wired in can tighten this.
		if m.Flags&(NoUpdFromFct|NoUpdFromLoop) != 0 && sameFct {
			excluded = true
		}
		if excluded {
			s.retargetBranchTo(br, m.Anchor, anchorPi)
		}
	}
}

// nextLiveOriginal returns the first original successor of ins that is
// not deleted.
func (s *Session) nextLiveOriginal(ins *asm.Insn) *asm.Insn {
	idx := s.f.InsnIndex(ins)
	if idx < 0 {
		return nil
	}
	for i := idx + 1; i < len(s.f.Insns); i++ {
		cand := s.f.Insns[i]
		if cand.Section != ins.Section {
			return nil
		}
		if pi := s.pm.Get(cand); pi != nil && pi.IsTombstone() {
			continue
		}
		return cand
	}
	return nil
}

// retargetBranch points br (via its patched copy) at the instruction
// that will carry to's semantics in the output: the moved copy when to
// was displaced, to itself otherwise.
func (s *Session) retargetBranch(br, from, to *asm.Insn) {
	dest := s.emissionTarget(to)
	if br.HasAnnot(asm.AnnotNew) {
		// Patcher-created branches are mutated directly.
		s.f.Refs.Retarget(br, from, dest)
		return
	}
	pi := s.pm.Touch(br)
	s.pm.Upgrade(pi)
	if p := pi.New.Ptr(); p != nil {
		p.Kind = asm.TargetInsn
		p.Insn = dest
		p.Refresh()
	}
	if pi.Block == nil {
		br.Annotate(asm.AnnotUpd)
	}
	s.f.Refs.Rekey(br, from, dest)
}

// retargetBranchTo aims br at a patched copy rather than an original.
func (s *Session) retargetBranchTo(br, from *asm.Insn, dest *PatchedInsn) {
	if dest.New == nil {
		return
	}
	if br.HasAnnot(asm.AnnotNew) {
		s.f.Refs.Retarget(br, from, dest.New)
		return
	}
	pi := s.pm.Touch(br)
	s.pm.Upgrade(pi)
	if p := pi.New.Ptr(); p != nil {
		p.Kind = asm.TargetInsn
		p.Insn = dest.New
		p.Refresh()
	}
	if pi.Block == nil {
		br.Annotate(asm.AnnotUpd)
	}
	s.f.Refs.Rekey(br, from, dest.New)
}
