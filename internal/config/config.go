// Package config handles bench.yaml parsing.
//
// A bench file names the output directory, optional defaults, and a list
// of cases. Each case holds pipelines; each pipeline is a list of stages:
//
//	dir: results
//	defaults:
//	  env: {LC_ALL: C}
//	cases:
//	  - name: sort
//	    pipelines:
//	      - - run: seq 100000
//	        - run: sort -R
//	          wrap: {kind: strace}
//	          stderr: "null"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/shlex"
	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"

	"github.com/majorcontext/pipebench/internal/pipeline"
	"github.com/majorcontext/pipebench/internal/wrap"
)

// DefaultFile is the bench file looked up when none is given.
const DefaultFile = "bench.yaml"

// DefaultDir is the output directory used when the bench file names none.
const DefaultDir = "results"

// Bench represents a bench.yaml file.
type Bench struct {
	Dir      string         `yaml:"dir,omitempty"`
	Defaults DefaultsConfig `yaml:"defaults,omitempty"`
	Cases    []CaseConfig   `yaml:"cases"`
}

// DefaultsConfig holds settings inherited by stages that leave them unset.
type DefaultsConfig struct {
	Cwd    string            `yaml:"cwd,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
	CPUs   []int             `yaml:"cpus,omitempty"`
	Stderr FDConfig          `yaml:"stderr,omitempty"`
	Wrap   *wrap.Spec        `yaml:"wrap,omitempty"`
}

// CaseConfig is one named case.
type CaseConfig struct {
	Name      string          `yaml:"name"`
	Defaults  DefaultsConfig  `yaml:"defaults,omitempty"`
	Pipelines [][]StageConfig `yaml:"pipelines"`
}

// StageConfig is one stage. Run is split like a shell command line; Args
// is used verbatim. Exactly one of them must be set.
type StageConfig struct {
	Run    string            `yaml:"run,omitempty"`
	Args   []string          `yaml:"args,omitempty"`
	Cwd    string            `yaml:"cwd,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
	Stdin  FDConfig          `yaml:"stdin,omitempty"`
	Stdout FDConfig          `yaml:"stdout,omitempty"`
	Stderr FDConfig          `yaml:"stderr,omitempty"`
	CPUs   []int             `yaml:"cpus,omitempty"`
	Wrap   *wrap.Spec        `yaml:"wrap,omitempty"`
}

// FDConfig is an fd spec in YAML: an integer is a raw descriptor, a string
// follows pipeline.ParseFD. The null device must be quoted ("null"); a bare
// YAML null leaves the spec unset.
type FDConfig struct {
	pipeline.FD
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FDConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: fd spec must be a string or an integer", value.Line)
	}
	switch value.Tag {
	case "!!int":
		var n int
		if err := value.Decode(&n); err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("line %d: malformed fd spec %d", value.Line, n)
		}
		f.FD = pipeline.Raw(n)
		return nil
	}
	fd, err := pipeline.ParseFD(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	f.FD = fd
	return nil
}

// IsZero lets omitempty skip unset specs.
func (f FDConfig) IsZero() bool { return !f.IsSet() }

// Overridable in tests.
var cpuCount = func() (int, error) { return cpu.Counts(true) }

// Load reads and validates a bench file. Relative dir and cwd entries are
// resolved against the file's directory.
func Load(path string) (*Bench, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	b.resolvePaths(base)
	return b, nil
}

// Parse decodes and validates bench file contents.
func Parse(data []byte) (*Bench, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var b Bench
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("parsing bench file: %w", err)
	}
	if b.Dir == "" {
		b.Dir = DefaultDir
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bench) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	b.Dir = abs(b.Dir)
	b.Defaults.Cwd = abs(b.Defaults.Cwd)
	for i := range b.Cases {
		c := &b.Cases[i]
		c.Defaults.Cwd = abs(c.Defaults.Cwd)
		for _, stages := range c.Pipelines {
			for j := range stages {
				stages[j].Cwd = abs(stages[j].Cwd)
			}
		}
	}
}

func (b *Bench) validate() error {
	if len(b.Cases) == 0 {
		return errors.New("no cases defined")
	}

	ncpu := 0
	needCPUs := func(loc string, cpus []int) error {
		if len(cpus) == 0 {
			return nil
		}
		if ncpu == 0 {
			n, err := cpuCount()
			if err != nil {
				return fmt.Errorf("%s: counting cpus: %w", loc, err)
			}
			ncpu = n
		}
		for _, c := range cpus {
			if c < 0 || c >= ncpu {
				return fmt.Errorf("%s: cpu %d out of range (this host has %d)", loc, c, ncpu)
			}
		}
		return nil
	}

	if err := validateDefaults("defaults", b.Defaults, needCPUs); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, c := range b.Cases {
		if c.Name == "" {
			return fmt.Errorf("cases[%d]: 'name' is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("cases[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true

		if err := validateDefaults(c.Name+".defaults", c.Defaults, needCPUs); err != nil {
			return err
		}
		if len(c.Pipelines) == 0 {
			return fmt.Errorf("%s: no pipelines defined", c.Name)
		}
		for p, stages := range c.Pipelines {
			if len(stages) == 0 {
				return fmt.Errorf("%s.pipelines[%d]: no stages defined", c.Name, p)
			}
			for s := range stages {
				loc := fmt.Sprintf("%s.pipelines[%d][%d]", c.Name, p, s)
				if err := validateStage(loc, &stages[s], s == len(stages)-1); err != nil {
					return err
				}
				if err := needCPUs(loc, stages[s].CPUs); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateDefaults(loc string, d DefaultsConfig, needCPUs func(string, []int) error) error {
	if err := needCPUs(loc, d.CPUs); err != nil {
		return err
	}
	return validateWrap(loc, d.Wrap)
}

func validateStage(loc string, s *StageConfig, last bool) error {
	switch {
	case s.Run != "" && len(s.Args) > 0:
		return fmt.Errorf("%s: set either 'run' or 'args', not both", loc)
	case s.Run != "":
		args, err := shlex.Split(s.Run)
		if err != nil {
			return fmt.Errorf("%s: splitting run: %w", loc, err)
		}
		s.Args = args
		s.Run = ""
	}
	if len(s.Args) == 0 || s.Args[0] == "" {
		return fmt.Errorf("%s: %w", loc, pipeline.ErrEmptyArgs)
	}

	if s.Stdout.IsMirror() || s.Stdin.IsMirror() {
		return fmt.Errorf("%s: %q is only valid for stderr", loc, "stdout")
	}
	if s.Stderr.IsMirror() && !last {
		return fmt.Errorf("%s: stderr %q is only valid on the last stage", loc, "stdout")
	}
	return validateWrap(loc, s.Wrap)
}

func validateWrap(loc string, spec *wrap.Spec) error {
	if spec == nil {
		return nil
	}
	if _, err := wrap.New(*spec); err != nil {
		return fmt.Errorf("%s.wrap: %w", loc, err)
	}
	return nil
}

// Case returns the case named name.
func (b *Bench) Case(name string) (*CaseConfig, bool) {
	for i := range b.Cases {
		if b.Cases[i].Name == name {
			return &b.Cases[i], true
		}
	}
	return nil, false
}

// Names returns the case names in file order.
func (b *Bench) Names() []string {
	names := make([]string, len(b.Cases))
	for i, c := range b.Cases {
		names[i] = c.Name
	}
	return names
}

// Build turns a case into executable pipelines writing into dir. Bench
// defaults are merged under the case's own defaults, and global settings
// fill in wrap fields left empty.
func (b *Bench) Build(c *CaseConfig, dir string, g *GlobalConfig) (*pipeline.Case, error) {
	pc := pipeline.NewCase(c.Name, dir)
	pc.Defaults = mergeDefaults(b.Defaults, c.Defaults, g)

	for p, stages := range c.Pipelines {
		built := make([]*pipeline.Stage, 0, len(stages))
		for s, sc := range stages {
			st, err := pipeline.NewStage(sc.Args...)
			if err != nil {
				return nil, fmt.Errorf("%s.pipelines[%d][%d]: %w", c.Name, p, s, err)
			}
			st.Cwd = sc.Cwd
			st.Env = sc.Env
			st.Stdin = sc.Stdin.FD
			st.Stdout = sc.Stdout.FD
			st.Stderr = sc.Stderr.FD
			st.CPUs = sc.CPUs
			st.Wrap = withGlobal(sc.Wrap, g)
			built = append(built, st)
		}
		pc.Add(built...)
	}
	return pc, nil
}

func mergeDefaults(bench, c DefaultsConfig, g *GlobalConfig) pipeline.Defaults {
	d := pipeline.Defaults{
		Cwd:    bench.Cwd,
		CPUs:   bench.CPUs,
		Stderr: bench.Stderr.FD,
		Wrap:   bench.Wrap,
	}
	if c.Cwd != "" {
		d.Cwd = c.Cwd
	}
	if len(c.CPUs) > 0 {
		d.CPUs = c.CPUs
	}
	if c.Stderr.IsSet() {
		d.Stderr = c.Stderr.FD
	}
	if c.Wrap != nil {
		d.Wrap = c.Wrap
	}
	if len(bench.Env)+len(c.Env) > 0 {
		d.Env = make(map[string]string, len(bench.Env)+len(c.Env))
		for k, v := range bench.Env {
			d.Env[k] = v
		}
		for k, v := range c.Env {
			d.Env[k] = v
		}
	}
	d.Wrap = withGlobal(d.Wrap, g)
	return d
}

// withGlobal returns a copy of spec with global defaults filled in.
func withGlobal(spec *wrap.Spec, g *GlobalConfig) *wrap.Spec {
	if spec == nil || g == nil {
		return spec
	}
	out := *spec
	switch out.Kind {
	case wrap.KindMTrace:
		if g.MTrace.Library != "" {
			m := wrapConfig(out.MTrace)
			if m.Library == "" {
				m.Library = g.MTrace.Library
			}
			out.MTrace = m
		}
	case wrap.KindBPF:
		if g.BPF.Elevate != nil {
			b := wrapConfig(out.BPF)
			if b.Elevate == nil {
				b.Elevate = g.BPF.Elevate
			}
			out.BPF = b
		}
	}
	return &out
}

func wrapConfig[T any](p *T) *T {
	var c T
	if p != nil {
		c = *p
	}
	return &c
}
