// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import "fmt"

// Code is a diagnostic code shared by the model, the patch engine, and the
// binfile back ends. The enumeration is open: back ends may define codes of
// their own above CodeCustomBase. Codes above the warning base are
// non-fatal.
type Code int

const (
	CodeOK Code = 0

	// Structural errors.
	ErrPatchNotInitialised Code = iota + 1
	ErrMissingModif
	ErrMissingAsmFile
	ErrArchUnknown

	// Planning errors.
	ErrBasicBlockNotFound
	ErrInsufficientSizeForInsert
	ErrNoSpaceForBlock
	ErrNoSpaceForSection
	ErrNoSpaceForGlobVar
	ErrFloatingModifNoSuccessor

	// Resolution errors.
	ErrFunctionNotInserted
	ErrSymbolNotFound
	ErrUnresolvedSymbol
	ErrLabelInsertFailure
	ErrRelocationNotAdded

	// Encoding errors.
	ErrInsnNotFound
	ErrSizeWouldChange
	ErrRetrievingDataBytes

	// Back-end errors.
	ErrBinfileWriteFailure
	ErrNoDynamicLoader

	// Warnings. Everything from warnBase up is non-fatal.
	warnBase
	WarnSymbolAddedAsExternal
	WarnFunctionMoved
	WarnMovedFctHasIndirectBranch
	WarnSizeTooSmallForcedInsert
	WarnModifNotProcessed
	WarnSavedWithDefaultName
	WarnForcedWideBranches
	WarnReserveOversubscribed

	// CodeCustomBase is the first code available to back ends.
	CodeCustomBase Code = 1 << 16
)

var codeNames = map[Code]string{
	CodeOK:                        "ok",
	ErrPatchNotInitialised:        "patch not initialised",
	ErrMissingModif:               "missing modification structure",
	ErrMissingAsmFile:             "missing asmfile",
	ErrArchUnknown:                "unknown architecture",
	ErrBasicBlockNotFound:         "basic block not found",
	ErrInsufficientSizeForInsert:  "insufficient size for insertion",
	ErrNoSpaceForBlock:            "no space found for moved block",
	ErrNoSpaceForSection:          "no space found for section",
	ErrNoSpaceForGlobVar:          "no space found for global variable",
	ErrFloatingModifNoSuccessor:   "floating modification has no successor",
	ErrFunctionNotInserted:        "function not inserted",
	ErrSymbolNotFound:             "symbol not found",
	ErrUnresolvedSymbol:           "unresolved symbol",
	ErrLabelInsertFailure:         "label insertion failed",
	ErrRelocationNotAdded:         "relocation not added",
	ErrInsnNotFound:               "instruction not found",
	ErrSizeWouldChange:            "instruction size would change",
	ErrRetrievingDataBytes:        "error retrieving data bytes",
	ErrBinfileWriteFailure:        "binfile write failure",
	ErrNoDynamicLoader:            "file has no dynamic loader",
	WarnSymbolAddedAsExternal:     "symbol added as external",
	WarnFunctionMoved:             "function moved",
	WarnMovedFctHasIndirectBranch: "moved function contains an indirect branch",
	WarnSizeTooSmallForcedInsert:  "block too small, insertion forced",
	WarnModifNotProcessed:         "modification not processed",
	WarnSavedWithDefaultName:      "file saved with default name",
	WarnForcedWideBranches:        "address assembly hit the pass cap",
	WarnReserveOversubscribed:     "reachable window oversubscribed",
}

// IsWarning reports whether the code is a non-fatal diagnostic.
func (c Code) IsWarning() bool {
	return c > warnBase
}

// IsError reports whether the code is fatal.
func (c Code) IsError() bool {
	return c != CodeOK && !c.IsWarning()
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code %d", int(c))
}

// Error makes Code usable as an error value.
func (c Code) Error() string {
	return "asm: " + c.String()
}

// UpdateCode implements the sticky-error rule: the new code is taken only
// if it is not success and the current code is not already an error.
// Warnings may be overwritten by errors; errors stick.
func UpdateCode(cur, new Code) Code {
	if new == CodeOK {
		return cur
	}
	if cur.IsError() {
		return cur
	}
	return new
}
