// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import "fmt"

// LabelType classifies a label.
type LabelType uint8

const (
	LabelGeneric LabelType = iota
	LabelFunction
	LabelVariable
	LabelDummy
	LabelExternal
)

func (t LabelType) String() string {
	switch t {
	case LabelFunction:
		return "function"
	case LabelVariable:
		return "variable"
	case LabelDummy:
		return "dummy"
	case LabelExternal:
		return "external"
	}
	return "generic"
}

// Label names an address. Function and variable labels are produced by the
// disassembler; the patcher adds labels for moved blocks and inserted
// variables once section addresses are frozen.
type Label struct {
	Name    string
	Addr    int64
	Type    LabelType
	Kind    TargetKind
	Insn    *Insn
	Data    *DataEntry
	Section *Section
}

func (l *Label) String() string {
	return fmt.Sprintf("%s@%#x (%s)", l.Name, l.Addr, l.Type)
}

// MovedLabelName is the synthetic label given to a moved block, derived
// from the function the block originated in.
func MovedLabelName(fct string, addr int64) string {
	return fmt.Sprintf("%s@0x%x", fct, addr)
}
