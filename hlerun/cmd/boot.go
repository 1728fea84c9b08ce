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
	"github.com/sirupsen/logrus"
	"gvisor.dev/hle/hlerun/cmd/util"
	"gvisor.dev/hle/hlerun/config"
	"gvisor.dev/hle/pkg/kernel"
	"gvisor.dev/hle/pkg/kernel/limits"
	"gvisor.dev/hle/pkg/kernel/mm"
	"gvisor.dev/hle/pkg/kernel/pgalloc"
	"gvisor.dev/hle/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// heapSize is the heap size set once the main thread is running.
	heapSize uint64
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "load a program from its manifest and print its memory map"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] <manifest.toml>

Creates a process from the manifest, loads its module, starts its main
thread and prints the resulting VMAs and resource usage. The process is
then terminated.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&b.heapSize, "heap", 0, "heap size to set after the main thread starts.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	m, err := config.LoadManifest(f.Arg(0))
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := boot(conf, m, b.heapSize, os.Stdout); err != nil {
		return util.Errorf("booting %q: %v", m.Name, err)
	}
	return subcommands.ExitSuccess
}

// session is a kernel running a single process.
type session struct {
	k    *kernel.Kernel
	p    *kernel.Process
	main *kernel.Thread
}

// start creates a kernel and a process running m's main thread on the
// calling goroutine. On error, everything created is torn down.
func start(conf *config.Config, m *config.Manifest) (*session, error) {
	rl, err := conf.NewResourceLimit()
	if err != nil {
		return nil, err
	}
	cs, err := m.CodeSet()
	if err != nil {
		return nil, err
	}

	s := &session{k: kernel.New(pgalloc.NewArena(), rl, nil)}
	s.p = s.k.CreateProcess(m.Name)
	if err := s.run(m, cs); err != nil {
		s.stop()
		return nil, err
	}
	return s, nil
}

func (s *session) run(m *config.Manifest, cs *kernel.CodeSet) error {
	p := s.p
	if err := p.LoadFromMetadata(m.Metadata()); err != nil {
		return fmt.Errorf("loading metadata: %w", err)
	}
	base := p.MM().Layout().Code.Start
	if err := p.LoadModule(cs, base); err != nil {
		return fmt.Errorf("loading module at %#x: %w", base, err)
	}
	main, err := p.Run(base, m.MainThread.Priority, m.MainThread.StackSize)
	if err != nil {
		return fmt.Errorf("running main thread: %w", err)
	}
	s.main = main
	if err := main.Enter(); err != nil {
		return fmt.Errorf("entering main thread: %w", err)
	}
	return nil
}

// stop terminates the process, stopping every thread it still has.
func (s *session) stop() {
	p := s.p
	if p.Status() < kernel.ProcessExiting {
		if err := p.PrepareForTermination(s.main); err != nil {
			logrus.WithError(err).Warn("failed to prepare process for termination")
		}
	}
	for _, t := range p.Threads() {
		t.Exit()
	}
	if err := s.k.RemoveProcess(p); err != nil {
		logrus.WithError(err).Warnf("failed to remove process %v", p)
	}
}

func boot(conf *config.Config, m *config.Manifest, heapSize uint64, w io.Writer) error {
	s, err := start(conf, m)
	if err != nil {
		return err
	}
	if heapSize != 0 {
		if _, err := s.p.SetHeapSize(heapSize); err != nil {
			s.stop()
			return fmt.Errorf("setting heap size to %#x: %w", heapSize, err)
		}
	}
	s.p.MM().LogLayout()

	fmt.Fprintf(w, "process %v: %v, program %#016x, main thread %v\n", s.p, s.p.AddressSpaceType(), s.p.ProgramID(), s.main)
	if err := writeVMAs(w, s.p.MM().VMAs()); err != nil {
		s.stop()
		return err
	}
	if err := writeLimits(w, s.k.Limits()); err != nil {
		s.stop()
		return err
	}
	if err := s.p.MM().CheckInvariants(); err != nil {
		log.Warningf("VMA invariants violated: %v", err)
	}

	s.stop()
	for lt := limits.LimitType(0); lt < limits.NumLimitTypes; lt++ {
		if cur := s.k.Limits().CurrentValue(lt); cur != 0 {
			return fmt.Errorf("%v still holds %#x after termination", lt, cur)
		}
	}
	return nil
}

func writeVMAs(w io.Writer, vmas []mm.VMA) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprint(tw, "START\tEND\tSIZE\tPERMS\tSTATE\tTYPE\n")
	for _, v := range vmas {
		fmt.Fprintf(tw, "%#011x\t%#011x\t%#x\t%v\t%v\t%v\n", uint64(v.Base), uint64(v.End()), v.Size, v.Perms, v.State, v.Type)
	}
	return tw.Flush()
}

func writeLimits(w io.Writer, rl *limits.ResourceLimit) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprint(tw, "LIMIT\tCURRENT\tPEAK\tMAX\n")
	for lt := limits.LimitType(0); lt < limits.NumLimitTypes; lt++ {
		l := rl.Get(lt)
		fmt.Fprintf(tw, "%v\t%#x\t%#x\t%#x\n", lt, l.Current, l.Peak, l.Limit)
	}
	return tw.Flush()
}
