// Package pipeline runs chains of processes connected by pipes.
//
// Every stage runs in a fresh copy of the pipebench binary (a stage
// process) that receives its launch plan on descriptor 3 and its resolved
// standard streams on 0, 1 and 2. The stage process gives an attached wrap
// the chance to interpose, then execs the stage's program in place, so the
// pipeline always waits on exactly one child per stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/pipebench/internal/log"
	"github.com/majorcontext/pipebench/internal/wrap"
)

// Defaults are settings a stage inherits when it leaves them unset.
type Defaults struct {
	Cwd    string
	Env    map[string]string
	CPUs   []int
	Stderr FD
	Wrap   *wrap.Spec
}

// Case is a named group of pipelines sharing an output directory.
type Case struct {
	Name      string
	Dir       string
	Defaults  Defaults
	Pipelines []*Pipeline
}

// NewCase returns an empty case writing into dir.
func NewCase(name, dir string) *Case {
	return &Case{Name: name, Dir: dir}
}

// Add appends a pipeline of stages to the case and returns it.
func (c *Case) Add(stages ...*Stage) *Pipeline {
	p := &Pipeline{
		Index:  len(c.Pipelines),
		Stages: stages,
		owner:  c,
	}
	for _, s := range stages {
		s.pipeline = p
	}
	c.Pipelines = append(c.Pipelines, p)
	return p
}

// Pipeline is an ordered chain of stages. Stage i's stdout feeds stage
// i+1's stdin; only the first stdin and the last stdout and stderr are
// configurable.
type Pipeline struct {
	Index    int
	Stages   []*Stage
	Defaults Defaults

	owner *Case

	mu   sync.Mutex
	pids map[int]int // pid -> stage index
}

// Case returns the owning case.
func (p *Pipeline) Case() *Case { return p.owner }

func (p *Pipeline) String() string {
	parts := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

// Exit is the wait status of one stage process.
type Exit struct {
	Stage int
	PID   int
	// Code is the exit status, or 128+signal for a killed process.
	Code int
}

// Result describes one execution.
type Result struct {
	// Pipes is the number of pipes created between stages.
	Pipes int
	// Exits are in the order the stage processes were reaped.
	Exits    []Exit
	Duration time.Duration
}

// Failed reports whether any stage exited non-zero.
func (r *Result) Failed() bool {
	for _, e := range r.Exits {
		if e.Code != 0 {
			return true
		}
	}
	return false
}

// LogPath is where the last stage's stdout goes when left unset.
func (p *Pipeline) LogPath() string {
	c := p.Case()
	if c == nil || c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, fmt.Sprintf("%s-%d.log", c.Name, p.Index))
}

// wiring holds the descriptors resolved for one execution.
type wiring struct {
	stdio [][3]int
	owned []int
	pipes int
}

func (w *wiring) own(fd int) { w.owned = append(w.owned, fd) }

func (w *wiring) close() {
	for _, fd := range w.owned {
		unix.Close(fd)
	}
	w.owned = nil
}

func (p *Pipeline) wire() (*wiring, error) {
	n := len(p.Stages)
	w := &wiring{stdio: make([][3]int, n)}
	first, last := p.Stages[0], p.Stages[n-1]

	resolve := func(st *Stage, spec FD, s stream) (int, error) {
		fd, owned, err := resolveFD(spec, s, st.WorkDir())
		if err != nil {
			return -1, err
		}
		if owned {
			w.own(fd)
		}
		return fd, nil
	}

	fd, err := resolve(first, first.Stdin, streamIn)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("stage 0 stdin: %w", err)
	}
	w.stdio[0][0] = fd

	stdout := last.Stdout
	if !stdout.IsSet() {
		if path := p.LogPath(); path != "" {
			stdout = Path(path)
		}
	}
	if stdout.IsMirror() {
		w.close()
		return nil, fmt.Errorf("stage %d stdout: %q is only valid for stderr", n-1, "stdout")
	}
	if fd, err = resolve(last, stdout, streamOut); err != nil {
		w.close()
		return nil, fmt.Errorf("stage %d stdout: %w", n-1, err)
	}
	w.stdio[n-1][1] = fd

	for i := 0; i+1 < n; i++ {
		var fds [2]int
		if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
			w.close()
			return nil, fmt.Errorf("creating pipe: %w", err)
		}
		w.own(fds[0])
		w.own(fds[1])
		w.pipes++
		w.stdio[i][1] = fds[1]
		w.stdio[i+1][0] = fds[0]
	}

	for i, st := range p.Stages {
		spec := st.StderrSpec()
		if spec.IsMirror() && i == n-1 {
			w.stdio[i][2] = w.stdio[i][1]
			continue
		}
		if fd, err = resolve(st, spec, streamErr); err != nil {
			w.close()
			return nil, fmt.Errorf("stage %d stderr: %w", i, err)
		}
		w.stdio[i][2] = fd
	}
	return w, nil
}

// Execute runs every stage and waits for all of them. Cancelling ctx kills
// the stage processes and returns ctx.Err() with the partial result.
func (p *Pipeline) Execute(ctx context.Context) (*Result, error) {
	if len(p.Stages) == 0 {
		return nil, errors.New("pipeline has no stages")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	w, err := p.wire()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.pids = make(map[int]int, len(p.Stages))
	p.mu.Unlock()

	for i, st := range p.Stages {
		pid, err := startStage(st.plan(p.Index, i), w.stdio[i])
		if err != nil {
			w.close()
			p.abort()
			return nil, fmt.Errorf("starting stage %d (%s): %w", i, st, err)
		}
		log.Debug("stage started", "pipeline", p.Index, "stage", i, "pid", pid, "args", st.Args)
		p.mu.Lock()
		p.pids[pid] = i
		p.mu.Unlock()
	}
	w.close()

	stop := context.AfterFunc(ctx, p.Terminate)
	defer stop()

	res := &Result{Pipes: w.pipes}
	for p.running() > 0 {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECHILD) {
			break
		}
		if err != nil {
			p.abort()
			return res, fmt.Errorf("waiting for stages: %w", err)
		}
		idx, ok := p.untrack(pid)
		if !ok {
			continue
		}
		res.Exits = append(res.Exits, Exit{Stage: idx, PID: pid, Code: exitCode(ws)})
	}
	res.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// Terminate kills every running stage process. It does not wait for them.
func (p *Pipeline) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pid := range p.pids {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			log.Warn("killing stage", "pid", pid, "error", err)
		}
	}
	p.pids = nil
}

// abort kills the running stage processes and reaps each of them.
func (p *Pipeline) abort() {
	p.mu.Lock()
	pids := make([]int, 0, len(p.pids))
	for pid := range p.pids {
		pids = append(pids, pid)
	}
	p.mu.Unlock()

	p.Terminate()
	for _, pid := range pids {
		var ws unix.WaitStatus
		for {
			_, err := unix.Wait4(pid, &ws, 0, nil)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}
	}
}

func (p *Pipeline) running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pids)
}

func (p *Pipeline) untrack(pid int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pids[pid]
	if ok {
		delete(p.pids, pid)
	}
	return idx, ok
}

func exitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	}
	return -1
}
