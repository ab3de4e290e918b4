// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/go-binpatch/binpatch/asm"
)

// Finalise processes the queued modifications, plans and assembles every
// moved block, regenerates the affected section images, and writes the
// output file. The input file is never touched; on error the output is
// absent or flagged incomplete by the back end.
func (s *Session) Finalise(path string) error {
	if s.finalised {
		return errors.New("patch: session already finalised")
	}

	sortModifs(s.modifs)
	for _, m := range s.modifs {
		if code := s.process(m); code.IsError() {
			return errors.Wrapf(code, "patch: modification %d (%s)", m.ID, m.Kind)
		}
	}
	for _, m := range s.modifs {
		if m.State&(StateProcessed|StateCancel) == 0 {
			m.setErr(s, asm.WarnModifNotProcessed)
		}
	}

	if code := s.resolveUndefined(); code.IsError() {
		return errors.Wrap(code, "patch: symbol resolution")
	}

	s.copyReferencedData()

	if err := s.assemble(); err != nil {
		return err
	}

	s.createSections()
	if err := s.writeBytes(); err != nil {
		return err
	}

	if err := s.installLabels(); err != nil {
		return err
	}
	s.applyRenames()

	if err := s.bf.Finalize(); err != nil {
		return errors.Wrap(err, "patch: binfile finalise")
	}

	// The back end may have shifted section addresses; run a reduced
	// assembly pass and regenerate the bytes it affects.
	if _, err := s.encodeAll(s.pl.Blocks()); err != nil {
		return err
	}
	if err := s.writeBytes(); err != nil {
		return err
	}

	if err := s.bf.Write(path); err != nil {
		s.f.SetLastError(asm.ErrBinfileWriteFailure)
		return errors.Wrap(err, "patch: binfile write")
	}
	s.finalised = true
	return nil
}

// copyReferencedData gives every instruction-referenced original data
// entry a copy in the patched file and points the referencing
// instructions' patched copies at it. Instructions not otherwise touched
// get a shallow in-place record.
func (s *Session) copyReferencedData() {
	// Deterministic order over the multimap.
	entries := make([]*asm.DataEntry, 0, len(s.f.Refs.InsnRefsByData))
	for d := range s.f.Refs.InsnRefsByData {
		entries = append(entries, d)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Addr < entries[j].Addr })

	for _, d := range entries {
		cp, err := s.bf.CopyDataEntry(d)
		if err != nil {
			s.f.SetLastError(asm.ErrRetrievingDataBytes)
			continue
		}
		for _, ins := range s.f.Refs.InsnRefsByData[d] {
			pi := s.pm.Touch(ins)
			s.pm.Upgrade(pi)
			if p := pi.New.Ptr(); p != nil && p.Kind == asm.TargetData {
				p.Data = cp
				p.Refresh()
			}
			if pi.Block == nil {
				ins.Annotate(asm.AnnotUpd)
			}
		}
	}
}

// createSections asks the back end for the new code and data sections.
func (s *Session) createSections() {
	if s.newSections != nil {
		return
	}

	blocks := append([]*MovedBlock(nil), s.pl.Blocks()...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].NewAddr < blocks[j].NewAddr })
	for i, b := range blocks {
		if b.Iv == nil || b.Section != nil {
			continue
		}
		name := fmt.Sprintf(".bpatch.text.%d", i)
		sec, err := s.bf.AddSection(name, asm.SectionCode, b.Iv.Addr, b.Iv.Size())
		if err != nil {
			s.f.SetLastError(asm.ErrNoSpaceForSection)
			continue
		}
		b.Section = sec
		s.newSections = append(s.newSections, sec)
	}

	for i, grp := range s.dataGroups() {
		typ := asm.SectionData
		if grp.allCells {
			// The indirect-branch address table gets its own section.
			typ = asm.SectionReference
		}
		name := fmt.Sprintf(".bpatch.data.%d", i)
		sec, err := s.bf.AddSection(name, typ, grp.addr, grp.end-grp.addr)
		if err != nil {
			s.f.SetLastError(asm.ErrNoSpaceForSection)
			continue
		}
		sec.Data = grp.entries
		for _, d := range grp.entries {
			d.Section = sec
		}
		s.newSections = append(s.newSections, sec)
	}
}

type dataGroup struct {
	addr, end int64
	entries   []*asm.DataEntry
	allCells  bool
}

// dataGroups collects the new data entries (global variables and address
// cells) into address-contiguous runs.
func (s *Session) dataGroups() []*dataGroup {
	type tagged struct {
		d    *asm.DataEntry
		cell bool
	}
	var all []tagged
	for _, d := range s.globVars {
		all = append(all, tagged{d, false})
	}
	for _, b := range s.pl.Blocks() {
		if b.Cell != nil {
			all = append(all, tagged{b.Cell, true})
		}
	}
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].d.Addr < all[j].d.Addr })

	var groups []*dataGroup
	var cur *dataGroup
	for _, t := range all {
		if cur == nil || t.d.Addr > cur.end+16 {
			cur = &dataGroup{addr: t.d.Addr, end: t.d.End(), allCells: t.cell}
			groups = append(groups, cur)
		} else {
			cur.end = t.d.End()
			cur.allCells = cur.allCells && t.cell
		}
		cur.entries = append(cur.entries, t.d)
		if t.d.End() > cur.end {
			cur.end = t.d.End()
		}
	}
	return groups
}

// writeBytes regenerates the byte image of every affected section. It is
// safe to run more than once: original sections are restored from a
// pristine snapshot first.
func (s *Session) writeBytes() error {
	if s.origBytes == nil {
		s.origBytes = make(map[*asm.Section][]byte)
		for _, sec := range s.bf.Sections() {
			if sec.Attrs&asm.AttrNew == 0 && len(sec.Bytes) > 0 {
				s.origBytes[sec] = append([]byte(nil), sec.Bytes...)
			}
		}
	}
	for sec, orig := range s.origBytes {
		copy(sec.Bytes, orig)
	}

	pad, err := s.paddingByte()
	if err != nil {
		return err
	}

	// Original sites: padding over the whole displaced range, then the
	// entry jump and any hosted jumps.
	for _, b := range s.pl.Blocks() {
		if b.First < 0 {
			continue
		}
		sec := s.sectionAt(b.OrigStart())
		if sec == nil {
			continue
		}
		fill(sec, b.OrigStart(), b.OrigEnd(), pad)
		for _, j := range b.EntryJump {
			s.writeAt(sec, j.Addr, j.Bytes)
		}
		for _, j := range b.HostJumps {
			s.writeAt(sec, j.Addr, j.Bytes)
		}
	}

	// In-place edits.
	for orig, repl := range s.inPlace {
		sec := s.sectionAt(orig.Addr)
		if sec == nil {
			continue
		}
		for _, ins := range repl {
			s.writeAt(sec, ins.Addr, ins.Bytes)
		}
	}
	var inPlaceErr error
	s.pm.Range(func(orig *asm.Insn, pi *PatchedInsn) bool {
		if pi.Block != nil || !orig.HasAnnot(asm.AnnotUpd) {
			return true
		}
		if _, handled := s.inPlace[orig]; handled {
			return true
		}
		sec := s.sectionAt(orig.Addr)
		if sec == nil {
			return true
		}
		if pi.IsTombstone() {
			fill(sec, orig.Addr, orig.End(), pad)
			return true
		}
		if len(pi.New.Bytes) == 0 {
			if _, err := s.f.Arch.Encode(pi.New, false); err != nil {
				inPlaceErr = errors.Wrapf(err, "in-place encode at %#x", orig.Addr)
				return false
			}
		}
		s.writeAt(sec, orig.Addr, pi.New.Bytes)
		return true
	})
	if inPlaceErr != nil {
		return inPlaceErr
	}

	// New code sections: every patched instruction in order, local data,
	// padding up to the section end.
	for _, b := range s.pl.Blocks() {
		sec := b.Section
		if sec == nil {
			continue
		}
		fill(sec, sec.Addr, sec.End(), pad)
		// A fused block's content can start inside the upstream
		// neighbour's section, so writes resolve by address.
		for _, pi := range b.Insns {
			if pi.IsTombstone() {
				continue
			}
			bs, err := s.emissionBytes(pi)
			if err != nil {
				return err
			}
			s.writeSpan(pi.New.Addr, bs)
		}
		for _, d := range b.LocalData {
			s.writeSpan(d.Addr, d.Bytes)
		}
	}

	// New data sections: entries in order, zero padding in between.
	for _, sec := range s.newSections {
		if sec.Type == asm.SectionCode {
			continue
		}
		fill(sec, sec.Addr, sec.End(), 0)
		for _, d := range sec.Data {
			if d.Ptr != nil {
				s.writeCell(sec, d)
				continue
			}
			s.writeAt(sec, d.Addr, d.Bytes)
		}
	}
	return nil
}

func (s *Session) paddingByte() (byte, error) {
	p := s.f.Arch.PaddingInsn()
	bs, err := s.f.Arch.Encode(p, false)
	if err != nil || len(bs) == 0 {
		return 0, errors.New("patch: arch has no padding instruction")
	}
	return bs[0], nil
}

func (s *Session) sectionAt(addr int64) *asm.Section {
	for _, sec := range s.bf.Sections() {
		if sec.Contains(addr) && len(sec.Bytes) > 0 {
			return sec
		}
	}
	return nil
}

func (s *Session) writeAt(sec *asm.Section, addr int64, b []byte) {
	off := addr - sec.Addr
	if off < 0 || off+int64(len(b)) > int64(len(sec.Bytes)) {
		logger.Printf("write of %d bytes at %#x escapes section %s", len(b), addr, sec.Name)
		return
	}
	copy(sec.Bytes[off:], b)
}

// writeSpan writes bytes at a virtual address, splitting across section
// boundaries where needed.
func (s *Session) writeSpan(addr int64, b []byte) {
	end := addr + int64(len(b))
	for _, sec := range s.bf.Sections() {
		if len(sec.Bytes) == 0 || sec.End() <= addr || sec.Addr >= end {
			continue
		}
		lo := addr
		if sec.Addr > lo {
			lo = sec.Addr
		}
		hi := end
		if sec.End() < hi {
			hi = sec.End()
		}
		copy(sec.Bytes[lo-sec.Addr:hi-sec.Addr], b[lo-addr:hi-addr])
	}
}

func (s *Session) writeCell(sec *asm.Section, d *asm.DataEntry) {
	buf := make([]byte, d.Size)
	v := uint64(d.Ptr.Target())
	switch d.Size {
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	default:
		binary.LittleEndian.PutUint64(buf, v)
	}
	s.writeAt(sec, d.Addr, buf)
}

// emissionBytes returns the byte encoding of a patched copy, borrowing
// the original's bytes for partial copies.
func (s *Session) emissionBytes(pi *PatchedInsn) ([]byte, error) {
	if !pi.full && pi.Orig != nil {
		if len(pi.Orig.Bytes) > 0 {
			return pi.Orig.Bytes, nil
		}
		// No cached bytes: encode a throwaway clone at the new address.
		cl := cloneInsn(pi.Orig)
		cl.Addr = pi.New.Addr
		return s.f.Arch.Encode(cl, false)
	}
	if len(pi.New.Bytes) == 0 {
		return s.f.Arch.Encode(pi.New, true)
	}
	return pi.New.Bytes, nil
}

func fill(sec *asm.Section, from, to int64, b byte) {
	lo := from - sec.Addr
	hi := to - sec.Addr
	if lo < 0 {
		lo = 0
	}
	if hi > int64(len(sec.Bytes)) {
		hi = int64(len(sec.Bytes))
	}
	for i := lo; i < hi; i++ {
		sec.Bytes[i] = b
	}
}

// installLabels queues the moved-block and variable labels, then the
// user's label insertions.
func (s *Session) installLabels() error {
	for _, b := range s.pl.Blocks() {
		if b.First < 0 || b.Section == nil {
			continue
		}
		fct := s.f.EnclosingFunction(b.OrigStart())
		if fct == "" {
			fct = "block"
		}
		l := &asm.Label{
			Name:    asm.MovedLabelName(fct, b.OrigStart()),
			Addr:    b.NewAddr,
			Type:    asm.LabelGeneric,
			Section: b.Section,
		}
		if err := s.bf.AddLabel(l); err != nil {
			s.f.SetLastError(asm.ErrLabelInsertFailure)
		}
	}

	for _, d := range s.globVars {
		if d.Label == nil {
			continue
		}
		d.Label.Addr = d.Addr
		if err := s.bf.AddLabel(d.Label); err != nil {
			s.f.SetLastError(asm.ErrLabelInsertFailure)
		}
	}

	for _, m := range s.pendingLabels {
		target := s.emissionTarget(m.Anchor)
		l := &asm.Label{Name: m.LabelName, Addr: target.Addr, Type: m.LabelType, Kind: asm.TargetInsn, Insn: target}
		if err := s.bf.AddLabel(l); err != nil {
			m.setErr(s, asm.ErrLabelInsertFailure)
			continue
		}
		s.f.AddLabel(l)
		m.State |= StateFinalised
	}
	return nil
}

func (s *Session) applyRenames() {
	for _, m := range s.pendingRenames {
		var err error
		switch m.Kind {
		case ModifRenameLbl:
			err = s.bf.RenameLabel(m.OldName, m.NewName)
		case ModifRenameLib:
			err = s.bf.RenameLibrary(m.OldName, m.NewName)
		}
		if err != nil {
			m.setErr(s, asm.ErrSymbolNotFound)
			continue
		}
		m.State |= StateFinalised
	}
}
