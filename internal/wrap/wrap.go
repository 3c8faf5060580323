// Package wrap implements the instrumentation strategies that can be
// attached to a pipeline stage.
//
// A wrap runs inside the stage process. It either rewrites the target's
// argv/environment so an external tracer is interposed, or starts the
// target itself and samples it from the side. In both cases it waits for
// the target, then turns the tool's raw output into a normalized log.
//
// # Protocol
//
//	done, err := w.Attach(ctx, target, out)
//
// When done is true the wrap has run the target to completion and the
// stage process has nothing left to do. When it is false the caller must
// exec the (possibly rewritten) target in place.
//
// # Artifacts
//
// Raw tool output goes to <dir>/<case>-<pipeline>-<stage>-<name>.log and
// the normalized form to the same path with a .post suffix. The working-set
// sampler writes one file per time bucket instead.
package wrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Target is the stage being launched, as seen by a wrap.
type Target interface {
	// Args returns the argv that will be executed.
	Args() []string

	// SetArgs replaces the argv that will be executed.
	SetArgs(args []string)

	// Setenv adds an environment override for the target.
	Setenv(key, value string)

	// Spawn starts the target as a child process. The child performs the
	// rest of the launch (working directory, environment, affinity) and
	// execs the current argv.
	Spawn() (*os.Process, error)
}

// Wrap is one instrumentation strategy bound to a stage.
type Wrap interface {
	// Name is used in artifact file names.
	Name() string

	Attach(ctx context.Context, t Target, out Output) (bool, error)
}

// Output locates the artifacts of one wrapped stage.
type Output struct {
	Dir      string
	Case     string
	Pipeline int
	Stage    int
}

// Prefix returns <dir>/<case>-<pipeline>-<stage>-<name>.
func (o Output) Prefix(name string) string {
	return filepath.Join(o.Dir, fmt.Sprintf("%s-%d-%d-%s", o.Case, o.Pipeline, o.Stage, name))
}

// Raw returns the path of the raw tool output.
func (o Output) Raw(name string) string {
	return o.Prefix(name) + ".log"
}

// Post returns the path of the normalized log.
func (o Output) Post(name string) string {
	return o.Raw(name) + ".post"
}

// Kind selects a wrap strategy.
type Kind string

const (
	KindSTrace Kind = "strace"
	KindMTrace Kind = "mtrace"
	KindPerf   Kind = "perf"
	KindNVProf Kind = "nvprof"
	KindWSS    Kind = "wss"
	KindBPF    Kind = "bpf"
)

// Kinds lists every supported strategy.
var Kinds = []Kind{KindSTrace, KindMTrace, KindPerf, KindNVProf, KindWSS, KindBPF}

// Spec is the serializable description of a wrap. Only the sub-config
// matching Kind is consulted; a missing sub-config means defaults.
type Spec struct {
	Kind   Kind          `yaml:"kind" json:"kind"`
	STrace *STraceConfig `yaml:"strace,omitempty" json:"strace,omitempty"`
	MTrace *MTraceConfig `yaml:"mtrace,omitempty" json:"mtrace,omitempty"`
	Perf   *PerfConfig   `yaml:"perf,omitempty" json:"perf,omitempty"`
	NVProf *NVProfConfig `yaml:"nvprof,omitempty" json:"nvprof,omitempty"`
	WSS    *WSSConfig    `yaml:"wss,omitempty" json:"wss,omitempty"`
	BPF    *BPFConfig    `yaml:"bpf,omitempty" json:"bpf,omitempty"`
}

// New builds the strategy described by spec.
func New(spec Spec) (Wrap, error) {
	switch spec.Kind {
	case KindSTrace:
		return newSTrace(deref(spec.STrace)), nil
	case KindMTrace:
		return newMTrace(deref(spec.MTrace)), nil
	case KindPerf:
		return newPerf(deref(spec.Perf))
	case KindNVProf:
		return newNVProf(deref(spec.NVProf)), nil
	case KindWSS:
		return newWSS(deref(spec.WSS))
	case KindBPF:
		return newBPF(deref(spec.BPF))
	case "":
		return nil, errors.New("wrap kind is required")
	default:
		return nil, fmt.Errorf("unknown wrap kind %q (must be one of %v)", spec.Kind, Kinds)
	}
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// kill sends SIGKILL, treating an already-reaped process as success.
func kill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// runTool spawns the rewritten target and waits for it.
func runTool(t Target) error {
	proc, err := t.Spawn()
	if err != nil {
		return fmt.Errorf("spawning target: %w", err)
	}
	if _, err := proc.Wait(); err != nil {
		return fmt.Errorf("waiting for target: %w", err)
	}
	return nil
}

// postprocess streams the raw file at src through fn into dst.
func postprocess(src, dst string, fn func(r *os.File, w *os.File) error) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening raw log: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating normalized log: %w", err)
	}
	if err := fn(in, out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
