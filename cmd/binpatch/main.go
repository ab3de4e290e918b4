// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command binpatch applies a patch script to a binary and writes the
// patched copy. Requests that need instruction anchors require a
// disassembler front end feeding the session; data-level requests
// (variables, libraries, renames, labels on known addresses) work on any
// supported binary.
package main

import (
	"fmt"
	"os"

	"github.com/inconshreveable/log15"
	"github.com/urfave/cli/v2"

	"github.com/go-binpatch/binpatch/asm"
	_ "github.com/go-binpatch/binpatch/asm/arch/amd64"
	"github.com/go-binpatch/binpatch/binfile"
	"github.com/go-binpatch/binpatch/patch"
	"github.com/go-binpatch/binpatch/script"
)

func main() {
	app := &cli.App{
		Name:  "binpatch",
		Usage: "static binary patcher",
		Commands: []*cli.Command{
			{
				Name:      "apply",
				Usage:     "apply a patch script to a binary",
				ArgsUsage: "<input> <script>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "output path",
					},
					&cli.StringFlag{
						Name:  "arch",
						Value: "amd64",
						Usage: "architecture driver",
					},
					&cli.BoolFlag{
						Name:  "verbose",
						Usage: "engine tracing on stderr",
					},
				},
				Action: apply,
			},
			{
				Name:  "arches",
				Usage: "list registered architecture drivers",
				Action: func(ctx *cli.Context) error {
					for _, n := range asm.Arches() {
						fmt.Println(n)
					}
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "binpatch:", err)
		os.Exit(1)
	}
}

func apply(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.Exit("apply needs an input binary and a script", 1)
	}
	input := ctx.Args().Get(0)
	scriptPath := ctx.Args().Get(1)
	output := ctx.String("output")
	defaulted := false
	if output == "" {
		output = input + ".patched"
		defaulted = true
		fmt.Fprintf(os.Stderr, "binpatch: writing to %s\n", output)
	}

	if ctx.Bool("verbose") {
		patch.SetDebugMode(true)
		asm.SetDebugMode(true)
	}

	arch, err := asm.ArchByName(ctx.String("arch"))
	if err != nil {
		return err
	}

	bf, err := binfile.OpenELF(input)
	if err != nil {
		return err
	}
	defer bf.Close()

	f := asm.NewFile(input, arch)
	for _, sec := range bf.Sections() {
		f.AddSection(sec)
	}

	lg := log15.New("module", "binpatch")
	lg.SetHandler(log15.StreamHandler(os.Stderr, log15.LogfmtFormat()))

	s, err := patch.NewSession(f, bf, patch.Options{Logger: lg})
	if err != nil {
		return err
	}
	if defaulted {
		s.SetLastErrorCode(asm.WarnSavedWithDefaultName)
	}

	reqs, err := script.Parse(script.NewScanner(scriptPath))
	if err != nil {
		return err
	}
	if err := script.Apply(s, reqs); err != nil {
		return err
	}

	if err := s.Finalise(output); err != nil {
		return err
	}
	if code := s.LastError(); code != asm.CodeOK {
		lg.Warn("session finished with diagnostics", "code", code.String())
	}
	return nil
}
