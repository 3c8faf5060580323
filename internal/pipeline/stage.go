package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/pipebench/internal/wrap"
)

// ErrEmptyArgs is returned for a stage without a command.
var ErrEmptyArgs = errors.New("stage has no arguments")

// Stage is one process of a pipeline.
type Stage struct {
	Args []string
	// Cwd, Env, CPUs, Stderr and Wrap fall back to the pipeline's and then
	// the case's Defaults when unset.
	Cwd    string
	Env    map[string]string
	Stdin  FD
	Stdout FD
	Stderr FD
	CPUs   []int
	Wrap   *wrap.Spec

	pipeline *Pipeline
}

// NewStage returns a stage running args.
func NewStage(args ...string) (*Stage, error) {
	if len(args) == 0 {
		return nil, ErrEmptyArgs
	}
	return &Stage{Args: args}, nil
}

// Pipeline returns the pipeline the stage was added to, or nil.
func (s *Stage) Pipeline() *Pipeline { return s.pipeline }

// Case returns the owning case, or nil for a detached stage.
func (s *Stage) Case() *Case {
	if s.pipeline == nil {
		return nil
	}
	return s.pipeline.Case()
}

// defaults returns the pipeline's and the case's defaults, nearest first.
func (s *Stage) defaults() []*Defaults {
	var ds []*Defaults
	if p := s.pipeline; p != nil {
		ds = append(ds, &p.Defaults)
		if c := p.Case(); c != nil {
			ds = append(ds, &c.Defaults)
		}
	}
	return ds
}

// WorkDir is the directory the stage runs in. Empty means inherit.
func (s *Stage) WorkDir() string {
	if s.Cwd != "" {
		return s.Cwd
	}
	for _, d := range s.defaults() {
		if d.Cwd != "" {
			return d.Cwd
		}
	}
	return ""
}

// Environ returns the environment overrides for the stage.
func (s *Stage) Environ() map[string]string {
	if len(s.Env) > 0 {
		return s.Env
	}
	for _, d := range s.defaults() {
		if len(d.Env) > 0 {
			return d.Env
		}
	}
	return nil
}

// Affinity returns the CPUs the stage is pinned to. Empty means no pinning.
func (s *Stage) Affinity() []int {
	if len(s.CPUs) > 0 {
		return s.CPUs
	}
	for _, d := range s.defaults() {
		if len(d.CPUs) > 0 {
			return d.CPUs
		}
	}
	return nil
}

// StderrSpec returns where the stage's stderr goes.
func (s *Stage) StderrSpec() FD {
	if s.Stderr.IsSet() {
		return s.Stderr
	}
	for _, d := range s.defaults() {
		if d.Stderr.IsSet() {
			return d.Stderr
		}
	}
	return FD{}
}

// WrapSpec returns the instrumentation attached to the stage, or nil.
func (s *Stage) WrapSpec() *wrap.Spec {
	if s.Wrap != nil {
		return s.Wrap
	}
	for _, d := range s.defaults() {
		if d.Wrap != nil {
			return d.Wrap
		}
	}
	return nil
}

func (s *Stage) String() string {
	return strings.Join(s.Args, " ")
}

// ExecError reports that the stage's program could not be executed.
type ExecError struct {
	Path string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec %s: %v", e.Path, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Overridable in tests.
var (
	lookPath = exec.LookPath
	execve   = unix.Exec
)

// Launch runs inside a stage process. It resolves the launch state, gives
// an attached wrap the chance to run the stage itself, and otherwise
// replaces the process with the stage's program. It only returns on
// failure, or with nil when a wrap completed the run.
func (s *Stage) Launch(ctx context.Context, pipelineIndex, stageIndex int) error {
	l := s.resolve(pipelineIndex, stageIndex)

	if spec := s.WrapSpec(); spec != nil {
		w, err := wrap.New(*spec)
		if err != nil {
			return err
		}
		out := wrap.Output{Pipeline: pipelineIndex, Stage: stageIndex}
		if c := s.Case(); c != nil {
			out.Dir, out.Case = c.Dir, c.Name
		}
		done, err := w.Attach(ctx, l, out)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return l.exec()
}

// launchState is what one launch resolved. It is discarded afterwards.
type launchState struct {
	caseName string
	dir      string
	pipeline int
	stage    int

	cwd  string
	env  map[string]string
	args []string
	cpus []int
}

func (s *Stage) resolve(pipelineIndex, stageIndex int) *launchState {
	l := &launchState{
		pipeline: pipelineIndex,
		stage:    stageIndex,
		cwd:      s.WorkDir(),
		args:     slices.Clone(s.Args),
		cpus:     slices.Clone(s.Affinity()),
	}
	if c := s.Case(); c != nil {
		l.caseName, l.dir = c.Name, c.Dir
	}
	if env := s.Environ(); len(env) > 0 {
		l.env = make(map[string]string, len(env))
		for k, v := range env {
			l.env[k] = v
		}
	}
	return l
}

func (l *launchState) Args() []string { return slices.Clone(l.args) }

func (l *launchState) SetArgs(args []string) { l.args = args }

func (l *launchState) Setenv(key, value string) {
	if l.env == nil {
		l.env = make(map[string]string)
	}
	l.env[key] = value
}

// Spawn starts a stage process that finishes this launch without the wrap.
// It shares this process's standard streams.
func (l *launchState) Spawn() (*os.Process, error) {
	plan := Plan{
		Case:     l.caseName,
		Dir:      l.dir,
		Pipeline: l.pipeline,
		Stage:    l.stage,
		Args:     l.args,
		Cwd:      l.cwd,
		Env:      l.env,
		CPUs:     l.cpus,
	}
	pid, err := startStage(plan, [3]int{0, 1, 2})
	if err != nil {
		return nil, err
	}
	return os.FindProcess(pid)
}

// exec changes directory, pins the CPUs and replaces the process image.
func (l *launchState) exec() error {
	if len(l.args) == 0 {
		return ErrEmptyArgs
	}
	if l.cwd != "" {
		if err := os.Chdir(l.cwd); err != nil {
			return &ExecError{Path: l.args[0], Err: err}
		}
	}
	path, err := lookPath(l.args[0])
	if err != nil {
		return &ExecError{Path: l.args[0], Err: err}
	}
	if len(l.cpus) > 0 {
		if err := setAffinity(l.cpus); err != nil {
			return &ExecError{Path: path, Err: err}
		}
	}
	if err := execve(path, l.args, mergeEnv(os.Environ(), l.env)); err != nil {
		return &ExecError{Path: path, Err: err}
	}
	return nil
}

// mergeEnv overlays overrides onto base, dropping the stage marker.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if k == StageEnv {
			continue
		}
		if _, ok := overrides[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
