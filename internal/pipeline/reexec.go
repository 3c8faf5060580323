package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"

	"github.com/majorcontext/pipebench/internal/bridge"
	"github.com/majorcontext/pipebench/internal/wrap"
)

// StageEnv marks a stage process and names the descriptor carrying its plan.
const StageEnv = "PIPEBENCH_STAGE_FD"

// planFD is where the plan lands in the stage process.
const planFD = 3

// Exit statuses of a stage process that did not exec its program.
const (
	exitWrapDone   = 0
	exitWrapFailed = 1
	exitExecFailed = 127
)

// Plan is everything a stage process needs to launch one stage.
type Plan struct {
	Case     string            `json:"case"`
	Dir      string            `json:"dir"`
	Pipeline int               `json:"pipeline"`
	Stage    int               `json:"stage"`
	Args     []string          `json:"args"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	CPUs     []int             `json:"cpus,omitempty"`
	Wrap     *wrap.Spec        `json:"wrap,omitempty"`
}

func (s *Stage) plan(pipelineIndex, stageIndex int) Plan {
	pl := Plan{
		Pipeline: pipelineIndex,
		Stage:    stageIndex,
		Args:     s.Args,
		Cwd:      s.WorkDir(),
		Env:      s.Environ(),
		CPUs:     s.Affinity(),
		Wrap:     s.WrapSpec(),
	}
	if c := s.Case(); c != nil {
		pl.Case, pl.Dir = c.Name, c.Dir
	}
	return pl
}

// stage rebuilds the stage described by the plan, attached to a case and
// pipeline that carry only the naming fields.
func (pl Plan) stage() *Stage {
	c := NewCase(pl.Case, pl.Dir)
	st := &Stage{Args: pl.Args, Cwd: pl.Cwd, Env: pl.Env, CPUs: pl.CPUs, Wrap: pl.Wrap}
	p := &Pipeline{Index: pl.Pipeline, Stages: []*Stage{st}, owner: c}
	st.pipeline = p
	return st
}

// startStage starts a stage process for plan with stdio on 0, 1 and 2 and
// returns its pid. The descriptors are duplicated into the child; the
// caller keeps ownership of its copies.
func startStage(plan Plan, stdio [3]int) (int, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return 0, fmt.Errorf("encoding launch plan: %w", err)
	}
	exe, err := bridge.Executable()
	if err != nil {
		return 0, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating plan pipe: %w", err)
	}
	defer w.Close()

	attr := &syscall.ProcAttr{
		Env:   append(os.Environ(), StageEnv+"="+strconv.Itoa(planFD)),
		Files: []uintptr{uintptr(stdio[0]), uintptr(stdio[1]), uintptr(stdio[2]), r.Fd()},
	}
	pid, err := syscall.ForkExec(exe, []string{exe}, attr)
	r.Close()
	if err != nil {
		return 0, fmt.Errorf("starting stage process: %w", err)
	}

	// A failed write means the child already died; its wait status says why.
	_, _ = w.Write(data)
	return pid, nil
}

// Reexec turns the current process into a stage process when it was
// started as one. It must run before anything else in main, and never
// returns in that case.
func Reexec() {
	v, ok := os.LookupEnv(StageEnv)
	if !ok {
		return
	}
	os.Unsetenv(StageEnv)
	os.Exit(runStage(v))
}

func runStage(fdStr string) int {
	plan, err := readPlan(fdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipebench: %v\n", err)
		return exitWrapFailed
	}

	st := plan.stage()
	err = st.Launch(context.Background(), plan.Pipeline, plan.Stage)
	var execErr *ExecError
	switch {
	case err == nil:
		return exitWrapDone
	case errors.As(err, &execErr):
		fmt.Fprintf(os.Stderr, "pipebench: %v\n", err)
		return exitExecFailed
	default:
		fmt.Fprintf(os.Stderr, "pipebench: stage %d-%d: %v\n", plan.Pipeline, plan.Stage, err)
		return exitWrapFailed
	}
}

func readPlan(fdStr string) (Plan, error) {
	n, err := strconv.Atoi(fdStr)
	if err != nil {
		return Plan{}, fmt.Errorf("invalid %s %q", StageEnv, fdStr)
	}
	f := os.NewFile(uintptr(n), "plan")
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return Plan{}, fmt.Errorf("reading launch plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("decoding launch plan: %w", err)
	}
	if len(plan.Args) == 0 {
		return Plan{}, ErrEmptyArgs
	}
	return plan, nil
}
