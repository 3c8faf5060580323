//go:build linux

package bridge

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

// KernelLoader loads compiled probe objects and attaches them as kprobes.
type KernelLoader struct {
	// ProbePath resolves relative program paths.
	ProbePath string
}

func (k KernelLoader) Load(msg Message) (Probes, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	path := msg.Program
	if !filepath.IsAbs(path) && k.ProbePath != "" {
		path = filepath.Join(k.ProbePath, path)
	}
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}

	p := &kernelProbes{coll: coll, variant: msg.Variant}
	if err := p.attach(msg); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

type kernelProbes struct {
	coll    *ebpf.Collection
	links   []link.Link
	result  *ebpf.Map
	variant Variant
}

func (p *kernelProbes) attach(msg Message) error {
	for symbol, name := range msg.Entry {
		prog, err := p.program(name)
		if err != nil {
			return err
		}
		l, err := link.Kprobe(symbol, prog, nil)
		if err != nil {
			return fmt.Errorf("attaching kprobe %s: %w", symbol, err)
		}
		p.links = append(p.links, l)
	}
	for symbol, name := range msg.Return {
		prog, err := p.program(name)
		if err != nil {
			return err
		}
		l, err := link.Kretprobe(symbol, prog, nil)
		if err != nil {
			return fmt.Errorf("attaching kretprobe %s: %w", symbol, err)
		}
		p.links = append(p.links, l)
	}

	if msg.FilterMap != "" {
		m, ok := p.coll.Maps[msg.FilterMap]
		if !ok {
			return fmt.Errorf("filter map %q not found", msg.FilterMap)
		}
		if err := m.Put(uint32(0), msg.TargetPID); err != nil {
			return fmt.Errorf("setting target pid: %w", err)
		}
	}

	m, ok := p.coll.Maps[msg.ResultMap]
	if !ok {
		return fmt.Errorf("result map %q not found", msg.ResultMap)
	}
	p.result = m
	return nil
}

func (p *kernelProbes) program(name string) (*ebpf.Program, error) {
	prog, ok := p.coll.Programs[name]
	if !ok {
		return nil, fmt.Errorf("program %q not found", name)
	}
	return prog, nil
}

func (p *kernelProbes) Results(w io.Writer) error {
	switch p.variant {
	case VariantHist:
		var slot uint32
		var count uint64
		it := p.result.Iterate()
		for it.Next(&slot, &count) {
			lo, hi := histRange(slot)
			if _, err := fmt.Fprintf(w, "%d-%d %d\n", lo, hi, count); err != nil {
				return err
			}
		}
		return it.Err()
	default:
		var key, count uint64
		it := p.result.Iterate()
		for it.Next(&key, &count) {
			if _, err := fmt.Fprintf(w, "%d %d\n", key, count); err != nil {
				return err
			}
		}
		return it.Err()
	}
}

func (p *kernelProbes) Close() error {
	var errs []error
	for _, l := range p.links {
		errs = append(errs, l.Close())
	}
	p.coll.Close()
	return errors.Join(errs...)
}
