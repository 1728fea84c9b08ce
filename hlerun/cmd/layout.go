// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/hle/hlerun/cmd/util"
	"gvisor.dev/hle/hlerun/config"
	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/kernel/mm"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the region layout of guest address spaces"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [32-bit|36-bit|32-bit-nomap|39-bit]...

Prints the regions of the given address space types, or of all of them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	types := []svc.ProgramAddressSpaceType{svc.Is32Bit, svc.Is36Bit, svc.Is32BitNoMap, svc.Is39Bit}
	if f.NArg() > 0 {
		types = types[:0]
		for _, arg := range f.Args() {
			var a config.AddressSpace
			if err := a.UnmarshalText([]byte(arg)); err != nil {
				f.Usage()
				return util.Errorf("%v", err)
			}
			types = append(types, svc.ProgramAddressSpaceType(a))
		}
	}
	for _, t := range types {
		l, err := mm.LayoutFor(t)
		if err != nil {
			return util.Errorf("computing layout for %v: %v", t, err)
		}
		if err := writeLayout(os.Stdout, l); err != nil {
			return util.Errorf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}

func writeLayout(w io.Writer, l mm.Layout) error {
	fmt.Fprintf(w, "%v address space (%d bits):\n", l.Type, l.Width)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprint(tw, "REGION\tSTART\tEND\tSIZE\n")
	for _, r := range []struct {
		name string
		ar   hostarch.AddrRange
	}{
		{"AddressSpace", l.AddressSpace},
		{"Code", l.Code},
		{"ASLR", l.ASLR},
		{"Map", l.Map},
		{"Heap", l.Heap},
		{"Stack", l.Stack},
		{"TLSIO", l.TLSIO},
	} {
		fmt.Fprintf(tw, "%s\t%#011x\t%#011x\t%#x\n", r.name, uint64(r.ar.Start), uint64(r.ar.End), r.ar.Length())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}
