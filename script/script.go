// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package script

import (
	"fmt"

	"github.com/go-binpatch/binpatch/asm"
	"github.com/go-binpatch/binpatch/patch"
)

// Request is one parsed script line, ready to be queued on a session.
type Request struct {
	Verb string
	Addr int64

	Pos   patch.Position
	Flags patch.ModifFlags

	NopSize int

	Name  string
	Name2 string
	Size  int
	Align int

	Line int
}

// Parse reads every request of a script, reporting the first syntax
// error with its position.
func Parse(sc *Scanner) ([]*Request, error) {
	var reqs []*Request
	for {
		tok := sc.Next()
		switch tok.Kind {
		case EOF:
			if len(sc.Errors) > 0 {
				return nil, sc.Errors[0]
			}
			return reqs, nil
		case EOL:
			continue
		case WORD:
			req, err := parseLine(sc, tok)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		default:
			return nil, fmt.Errorf("line %d: request must start with a verb, got %s", tok.Line, tok)
		}
	}
}

func parseLine(sc *Scanner, verb *Token) (*Request, error) {
	req := &Request{Verb: verb.Str, Line: verb.Line}
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("line %d: %s", verb.Line, fmt.Sprintf(format, args...))
	}

	args := make([]*Token, 0, 6)
	for {
		tok := sc.Next()
		if tok.Kind == EOL || tok.Kind == EOF {
			break
		}
		args = append(args, tok)
	}
	num := func(i int) (int64, error) {
		if i >= len(args) || args[i].Kind != NUMBER {
			return 0, fail("argument %d must be a number", i+1)
		}
		return args[i].Num, nil
	}
	word := func(i int) (string, error) {
		if i >= len(args) || (args[i].Kind != WORD && args[i].Kind != STRING) {
			return "", fail("argument %d must be a name", i+1)
		}
		return args[i].Str, nil
	}

	var err error
	switch req.Verb {
	case "insert-nops":
		// insert-nops <addr> before|after <count> [flags...]
		if req.Addr, err = num(0); err != nil {
			return nil, err
		}
		pos, err := word(1)
		if err != nil {
			return nil, err
		}
		switch pos {
		case "before":
			req.Pos = patch.PosBefore
		case "after":
			req.Pos = patch.PosAfter
		default:
			return nil, fail("position must be before or after, got %q", pos)
		}
		n, err := num(2)
		if err != nil {
			return nil, err
		}
		req.NopSize = int(n)
		req.Flags = parseFlags(args[3:])
	case "replace-nops", "delete", "relocate":
		if req.Addr, err = num(0); err != nil {
			return nil, err
		}
		req.Flags = parseFlags(args[1:])
	case "call":
		// call <addr> <function> [library]
		if req.Addr, err = num(0); err != nil {
			return nil, err
		}
		if req.Name, err = word(1); err != nil {
			return nil, err
		}
		if len(args) > 2 {
			req.Name2, _ = word(2)
		}
		if len(args) > 3 {
			req.Flags = parseFlags(args[3:])
		}
	case "var":
		// var <name> <size> [align]
		if req.Name, err = word(0); err != nil {
			return nil, err
		}
		n, err := num(1)
		if err != nil {
			return nil, err
		}
		req.Size = int(n)
		req.Align = 1
		if len(args) > 2 {
			a, err := num(2)
			if err != nil {
				return nil, err
			}
			req.Align = int(a)
		}
	case "label":
		if req.Addr, err = num(0); err != nil {
			return nil, err
		}
		if req.Name, err = word(1); err != nil {
			return nil, err
		}
	case "lib":
		if req.Name, err = word(0); err != nil {
			return nil, err
		}
	case "rename-label", "rename-lib":
		if req.Name, err = word(0); err != nil {
			return nil, err
		}
		if req.Name2, err = word(1); err != nil {
			return nil, err
		}
	default:
		return nil, fail("unknown verb %q", req.Verb)
	}
	return req, nil
}

func parseFlags(args []*Token) patch.ModifFlags {
	var f patch.ModifFlags
	for _, a := range args {
		switch a.Str {
		case "force":
			f |= patch.ForceInsert
		case "single":
			f |= patch.MovSingleInsn
		case "movefcts":
			f |= patch.MoveFcts
		case "newstack":
			f |= patch.NewStack
		case "fixed":
			f |= patch.ModifFixed
		}
	}
	return f
}

// Apply queues every request on the session.
func Apply(s *patch.Session, reqs []*Request) error {
	arch := s.File().Arch
	for _, req := range reqs {
		var err error
		switch req.Verb {
		case "insert-nops":
			var insns []*asm.Insn
			for left := req.NopSize; left > 0; {
				n, nerr := arch.GenerateNop(left)
				if nerr != nil {
					n, nerr = arch.GenerateNop(1)
					if nerr != nil {
						return fmt.Errorf("line %d: %v", req.Line, nerr)
					}
				}
				insns = append(insns, n)
				left -= n.Len
			}
			_, err = s.Insert(req.Addr, insns, req.Pos, req.Flags)
		case "replace-nops":
			_, err = s.Replace(req.Addr, nil, req.Flags)
		case "delete":
			_, err = s.Delete(req.Addr, req.Flags)
		case "relocate":
			_, err = s.Relocate(req.Addr, req.Flags)
		case "call":
			_, err = s.InsertCall(req.Addr, req.Name, req.Name2, patch.PosBefore, req.Flags)
		case "var":
			_, err = s.InsertVar(-1, req.Name, req.Size, req.Align, nil)
		case "label":
			_, err = s.InsertLabel(req.Addr, req.Name, asm.LabelGeneric)
		case "lib":
			_, err = s.InsertLib(req.Name, false, nil, nil)
		case "rename-label":
			_, err = s.RenameLabel(req.Name, req.Name2)
		case "rename-lib":
			_, err = s.RenameLibrary(req.Name, req.Name2)
		}
		if err != nil {
			return fmt.Errorf("line %d: %v", req.Line, err)
		}
	}
	return nil
}
