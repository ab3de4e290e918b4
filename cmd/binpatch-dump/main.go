// Copyright 2021 The go-binpatch Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command binpatch-dump prints the patch-relevant geometry of a binary:
// its loadable sections, the free intervals a patch session would work
// with, and whether the file is dynamically linked.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/go-binpatch/binpatch/binfile"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: binpatch-dump [options] file1 [file2 [...]]

ex:
 $> binpatch-dump -s ./a.out

options:
`,
		)
		flag.PrintDefaults()
		os.Exit(1)
	}
}

var (
	flagSections  = flag.Bool("s", false, "print loadable sections")
	flagIntervals = flag.Bool("i", false, "print free intervals")
	flagDyn       = flag.Bool("d", false, "print dynamic-linking status")
)

func main() {
	log.SetPrefix("binpatch-dump: ")
	log.SetFlags(0)

	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	if !*flagSections && !*flagIntervals && !*flagDyn {
		*flagSections = true
	}

	for i, fname := range flag.Args() {
		if i > 0 {
			fmt.Printf("\n")
		}
		process(fname)
	}
}

func process(fname string) {
	bf, err := binfile.OpenELF(fname)
	if err != nil {
		log.Fatalf("could not open %q: %v", fname, err)
	}
	defer bf.Close()

	fmt.Printf("%s:\n", fname)

	if *flagSections {
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"name", "addr", "end", "size", "type"})
		for _, s := range bf.Sections() {
			tw.Append([]string{
				s.Name,
				fmt.Sprintf("%#x", s.Addr),
				fmt.Sprintf("%#x", s.End()),
				fmt.Sprintf("%d", s.Size),
				s.Type.String(),
			})
		}
		tw.Render()
	}

	if *flagIntervals {
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"addr", "end", "size"})
		for _, r := range bf.FreeIntervals() {
			tw.Append([]string{
				fmt.Sprintf("%#x", r.Addr),
				fmt.Sprintf("%#x", r.End),
				fmt.Sprintf("%d", r.Size()),
			})
		}
		tw.Render()
	}

	if *flagDyn {
		fmt.Printf("dynamic loader: %v\n", bf.HasDynamicLoader())
	}
}
