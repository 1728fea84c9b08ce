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
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/hle/hlerun/cmd/util"
	"gvisor.dev/hle/hlerun/config"
	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/kernel"
	"gvisor.dev/hle/pkg/log"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	manifest   string
	threads    int
	iterations int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "contend guest threads on a mutex built on the address arbiter"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags]

Boots a program and runs worker threads that each increment a guest counter
under a guest mutex. The mutex sleeps through WaitForAddress and wakes
through SignalToAddress. The main thread waits for every worker to exit.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.manifest, "manifest", "", "program manifest; the default manifest is used if empty.")
	f.IntVar(&s.threads, "threads", 8, "number of worker threads.")
	f.IntVar(&s.iterations, "iterations", 1000, "number of increments per worker.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.threads <= 0 || s.iterations < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	m := config.DefaultManifest
	if s.manifest != "" {
		var err error
		if m, err = config.LoadManifest(s.manifest); err != nil {
			return util.Errorf("%v", err)
		}
	}
	st, err := stress(conf, m, s.threads, s.iterations)
	if err != nil {
		return util.Errorf("stress: %v", err)
	}
	st.write(os.Stdout)
	return subcommands.ExitSuccess
}

type stressStats struct {
	// counter is the final value of the guest counter.
	counter uint32

	// sleeps counts waits that blocked until a signal.
	sleeps atomic.Uint64

	// retries counts waits that returned at once because the lock word
	// changed before the thread could sleep.
	retries atomic.Uint64
}

func (st *stressStats) write(w io.Writer) {
	fmt.Fprintf(w, "counter: %d\nsleeps: %d\nretries: %d\n", st.counter, st.sleeps.Load(), st.retries.Load())
}

// guestMutex is a mutex held in a guest word: 0 when unlocked, 1 when
// locked.
type guestMutex struct {
	p    *kernel.Process
	addr hostarch.Addr
	st   *stressStats
}

func (m *guestMutex) lock(t *kernel.Thread) error {
	for {
		old, err := m.p.MM().CompareAndSwapUint32(m.addr, 0, 1)
		if err != nil {
			return err
		}
		if old == 0 {
			return nil
		}
		switch err := m.p.WaitForAddress(t, m.addr, svc.WaitIfEqual, 1, -1); err {
		case nil:
			m.st.sleeps.Add(1)
		case kernelerr.ErrInvalidState:
			m.st.retries.Add(1)
		default:
			return err
		}
	}
}

func (m *guestMutex) unlock() error {
	if err := m.p.MM().WriteUint32(m.addr, 0); err != nil {
		return err
	}
	return m.p.SignalToAddress(m.addr, svc.Signal, 0, 1)
}

func stress(conf *config.Config, man *config.Manifest, threads, iterations int) (*stressStats, error) {
	s, err := start(conf, man)
	if err != nil {
		return nil, err
	}
	defer s.stop()
	p := s.p

	heap, err := p.SetHeapSize(hostarch.PageSize)
	if err != nil {
		return nil, fmt.Errorf("setting heap size: %w", err)
	}
	st := &stressStats{}
	mu := &guestMutex{p: p, addr: heap, st: st}
	counter := heap + 4

	workers := make([]kernel.Synchronizer, 0, threads)
	for i := 0; i < threads; i++ {
		t, err := s.k.CreateThread(p, fmt.Sprintf("worker-%d", i), p.MM().Layout().Code.Start, man.MainThread.Priority, uint64(i), kernel.IdealCoreUseProcessValue, 0)
		if err != nil {
			return nil, fmt.Errorf("creating worker %d: %w", i, err)
		}
		workers = append(workers, t)
	}

	var g errgroup.Group
	for _, w := range workers {
		t := w.(*kernel.Thread)
		if err := s.k.StartThread(t); err != nil {
			return nil, fmt.Errorf("starting %v: %w", t, err)
		}
		g.Go(func() error {
			defer t.Exit()
			err := runWorker(t, mu, counter, iterations)
			if err != nil {
				// Unblock the other workers.
				if perr := p.PrepareForTermination(t); perr != nil && perr != kernelerr.ErrInvalidState {
					log.Warningf("PrepareForTermination: %v", perr)
				}
			}
			return err
		})
	}

	_, werr := s.k.WaitSynchronization(s.main, workers, true, -1)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if werr != nil {
		return nil, fmt.Errorf("waiting for workers: %w", werr)
	}
	if st.counter, err = p.MM().ReadUint32(counter); err != nil {
		return nil, err
	}
	if want := uint64(threads) * uint64(iterations); uint64(st.counter) != want {
		return st, fmt.Errorf("counter is %d, want %d", st.counter, want)
	}
	return st, nil
}

func runWorker(t *kernel.Thread, mu *guestMutex, counter hostarch.Addr, iterations int) error {
	if err := t.Enter(); err != nil {
		return err
	}
	mm := mu.p.MM()
	for i := 0; i < iterations; i++ {
		if err := mu.lock(t); err != nil {
			return fmt.Errorf("%v: lock: %w", t, err)
		}
		v, err := mm.ReadUint32(counter)
		if err != nil {
			return err
		}
		if err := mm.WriteUint32(counter, v+1); err != nil {
			return err
		}
		if err := mu.unlock(); err != nil {
			return fmt.Errorf("%v: unlock: %w", t, err)
		}
	}
	return nil
}
