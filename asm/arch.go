// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"fmt"
	"sort"
	"sync"
)

// JumpKind selects one of the jump flavors an architecture driver can
// generate to redirect control flow from a patched site.
type JumpKind uint8

const (
	// JumpDirect is a PC-relative branch with the architecture's full
	// displacement reach.
	JumpDirect JumpKind = iota
	// JumpSmall is the short-displacement variant of the direct branch.
	JumpSmall
	// JumpMemRel loads its target from a PC-relative memory cell.
	JumpMemRel
	// JumpIndirect computes an absolute target through scratch
	// registers; it needs no reachable interval at all.
	JumpIndirect
)

func (k JumpKind) String() string {
	switch k {
	case JumpDirect:
		return "direct"
	case JumpSmall:
		return "small-direct"
	case JumpMemRel:
		return "memory-relative"
	case JumpIndirect:
		return "indirect"
	}
	return "unknown"
}

// Reach is the signed displacement interval a branch encoding accepts.
type Reach struct {
	Min int64
	Max int64
}

// Holds reports whether a displacement is encodable.
func (r Reach) Holds(d int64) bool {
	return d >= r.Min && d <= r.Max
}

// StackPolicy tells call generation which stack the inserted code runs on.
type StackPolicy struct {
	// NewStack is non-zero when the insertion switches to a
	// patcher-owned stack of that many bytes before the call.
	NewStack int64
}

// Arch is the architecture driver consumed by the patch engine. One
// implementation exists per supported ISA, selected at session init.
type Arch interface {
	Name() string

	// PtrSize is the byte width of an address cell.
	PtrSize() int

	// Encode produces the byte encoding of ins at its current address,
	// picking the shortest operand encoding that still reaches. When
	// allowOpcodeChange is false the driver must keep the instruction's
	// present encoding length or fail with ErrSizeWouldChange.
	Encode(ins *Insn, allowOpcodeChange bool) ([]byte, error)

	// MaxByteSize is the architectural maximum encoding length of ins
	// over every operand size.
	MaxByteSize(ins *Insn) int

	// IsNop reports whether ins has no architectural effect.
	IsNop(ins *Insn) bool

	// GenerateNop returns a no-op instruction of exactly size bytes.
	GenerateNop(size int) (*Insn, error)

	// GenerateJump builds the instruction list of the given flavor at
	// from. It returns the list, the branch instruction inside it whose
	// pointer must be bound to the destination, and that pointer. For
	// JumpMemRel the returned pointer belongs to the address cell and
	// the caller must place the cell in a reference-reachable interval.
	GenerateJump(kind JumpKind, from int64) (list []*Insn, branch *Insn, ptr *Pointer, err error)

	// GenerateCall builds a call sequence to callee, honouring the
	// stack policy.
	GenerateCall(callee *Pointer, stack StackPolicy) (list []*Insn, call *Insn, err error)

	// GenerateCompare builds a compare-and-branch pair for one condition
	// leaf; the branch is taken when the comparison op holds. The
	// returned branch's pointer is left unbound.
	GenerateCompare(op CondOp, value int64) (list []*Insn, branch *Insn, err error)

	// SignedReach is the displacement interval of the flavor's branch.
	SignedReach(kind JumpKind) Reach

	// ByteSize is the total encoded size of the flavor's list.
	ByteSize(kind JumpKind) int

	// StubLabelName derives the label of a dynamic stub for a function.
	StubLabelName(fct string) string

	// PaddingInsn is the one-byte instruction used to pad holes.
	PaddingInsn() *Insn
}

// CondOp is a comparison operator usable in condition leaves.
type CondOp uint8

const (
	CondEQ CondOp = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

func (op CondOp) String() string {
	switch op {
	case CondEQ:
		return "=="
	case CondNE:
		return "!="
	case CondLT:
		return "<"
	case CondLE:
		return "<="
	case CondGT:
		return ">"
	case CondGE:
		return ">="
	}
	return "?"
}

var (
	archMu  sync.Mutex
	archReg = make(map[string]Arch)
)

// RegisterArch records a driver under its name. Drivers register from
// their package init.
func RegisterArch(a Arch) {
	archMu.Lock()
	defer archMu.Unlock()
	archReg[a.Name()] = a
}

// ArchByName returns the driver registered under name.
func ArchByName(name string) (Arch, error) {
	archMu.Lock()
	defer archMu.Unlock()
	a, ok := archReg[name]
	if !ok {
		return nil, fmt.Errorf("asm: %v %q", ErrArchUnknown, name)
	}
	return a, nil
}

// Arches lists the registered driver names, sorted.
func Arches() []string {
	archMu.Lock()
	defer archMu.Unlock()
	names := make([]string, 0, len(archReg))
	for n := range archReg {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
