package wrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/majorcontext/pipebench/internal/log"
)

// WSSConfig configures the working-set sampler.
type WSSConfig struct {
	// Delay is the base sampling period in seconds. Defaults to 0.01.
	Delay float64 `yaml:"delay,omitempty" json:"delay,omitempty"`
	// Max bounds the number of cycles. Zero means until the target exits.
	Max int `yaml:"max,omitempty" json:"max,omitempty"`
	// Mode is written to clear_refs. Defaults to 1 (all pages).
	Mode int `yaml:"mode,omitempty" json:"mode,omitempty"`
	// Stop keeps the target suspended outside measurement windows.
	// Defaults to true.
	Stop *bool `yaml:"stop,omitempty" json:"stop,omitempty"`
	// Profile doubles the window every cycle, cycling back to Delay once
	// it exceeds one second.
	Profile bool `yaml:"profile,omitempty" json:"profile,omitempty"`
}

type wss struct {
	delay   float64
	max     int
	mode    int
	stop    bool
	profile bool

	// Overridable in tests.
	sleep      func(time.Duration)
	now        func() time.Time
	newSampler func(pid int) (sampler, error)
}

func newWSS(cfg WSSConfig) (*wss, error) {
	w := &wss{
		delay:      cfg.Delay,
		max:        cfg.Max,
		mode:       cfg.Mode,
		stop:       true,
		profile:    cfg.Profile,
		sleep:      time.Sleep,
		now:        time.Now,
		newSampler: newProcSampler,
	}
	if w.delay == 0 {
		w.delay = 0.01
	}
	if w.mode == 0 {
		w.mode = 1
	}
	if cfg.Stop != nil {
		w.stop = *cfg.Stop
	}
	if w.delay < 0 || w.max < 0 {
		return nil, fmt.Errorf("wss: delay and max must not be negative")
	}
	return w, nil
}

func (w *wss) Name() string { return "wss" }

// sampler observes and controls one target process.
type sampler interface {
	clearRefs(mode int) error
	resume() error
	suspend() error
	usage() (rss, pss, ref uint64, err error)
}

// cycleResult is the outcome of one sampling cycle.
type cycleResult int

const (
	cycleMeasured cycleResult = iota
	cycleExited
	cycleDenied
)

func (r cycleResult) String() string {
	switch r {
	case cycleMeasured:
		return "measured"
	case cycleExited:
		return "exited"
	case cycleDenied:
		return "denied"
	}
	return "unknown"
}

// classify maps an error from procfs or kill onto a cycle result.
func classify(err error) cycleResult {
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return cycleDenied
	default:
		// ENOENT, ESRCH and anything else mean the process is no longer
		// observable.
		return cycleExited
	}
}

func (w *wss) Attach(ctx context.Context, t Target, out Output) (bool, error) {
	proc, err := t.Spawn()
	if err != nil {
		return true, fmt.Errorf("wss: spawning target: %w", err)
	}
	pid := proc.Pid
	defer func() {
		if err := kill(pid); err != nil {
			log.Warn("wss: killing target", "pid", pid, "error", err)
		}
		_, _ = proc.Wait()
	}()

	if w.stop {
		if err := unix.Kill(pid, unix.SIGSTOP); err != nil && !errors.Is(err, unix.ESRCH) {
			return true, fmt.Errorf("wss: stopping target: %w", err)
		}
	}

	keys := bucketKeys(w.delay, w.profile)
	files := make([]*os.File, 0, len(keys))
	writers := make([]io.Writer, 0, len(keys))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, k := range keys {
		name := fmt.Sprintf("%s-%.2f.log", out.Prefix(w.Name()), float64(k)*w.delay)
		f, err := os.Create(name)
		if err != nil {
			return true, fmt.Errorf("wss: creating bucket file: %w", err)
		}
		files = append(files, f)
		writers = append(writers, f)
	}

	s, err := w.newSampler(pid)
	if err != nil {
		return true, fmt.Errorf("wss: %w", err)
	}
	res, n, err := w.run(ctx, s, keys, writers)
	if err != nil {
		return true, fmt.Errorf("wss: %w", err)
	}
	log.Debug("wss sampling finished", "pid", pid, "cycles", n, "reason", res)
	return true, nil
}

// run samples until max cycles, target exit, permission loss or
// cancellation. It returns the result that ended the loop and the number
// of measured cycles.
func (w *wss) run(ctx context.Context, s sampler, keys []int, out []io.Writer) (cycleResult, int, error) {
	base := seconds(w.delay)
	delay := base
	measured := 0

	for w.max == 0 || measured < w.max {
		if ctx.Err() != nil {
			return cycleExited, measured, nil
		}
		res, elapsed, rec := w.cycle(s, delay)
		if res != cycleMeasured {
			return res, measured, nil
		}
		measured++

		i := nearestBucket(keys, elapsed.Seconds()/w.delay)
		if _, err := io.WriteString(out[i], rec); err != nil {
			return res, measured, fmt.Errorf("writing sample: %w", err)
		}

		if w.profile {
			delay *= 2
		}
		if !w.profile || delay > time.Second {
			delay = base
		}
	}
	return cycleMeasured, measured, nil
}

// cycle clears the reference bits, lets the target run for delay and
// reads its memory summary.
func (w *wss) cycle(s sampler, delay time.Duration) (cycleResult, time.Duration, string) {
	if err := s.clearRefs(w.mode); err != nil {
		return classify(err), 0, ""
	}

	elapsed := delay
	if w.stop {
		if err := s.resume(); err != nil {
			return classify(err), 0, ""
		}
		start := w.now()
		w.sleep(delay)
		if err := s.suspend(); err != nil {
			return classify(err), 0, ""
		}
		elapsed = w.now().Sub(start)
	} else {
		w.sleep(delay)
	}

	rss, pss, ref, err := s.usage()
	if err != nil {
		return classify(err), 0, ""
	}
	return cycleMeasured, elapsed, fmt.Sprintf("%d %d %d\n", rss, pss, ref)
}

// bucketKeys lists the power-of-two multiples of the base delay that
// bucket files are kept for: 1 and 2 normally, up to 1/delay when
// profiling.
func bucketKeys(delay float64, profile bool) []int {
	limit := 2.0
	if profile {
		limit = 1 / delay
	}
	keys := []int{1}
	for k := 2; float64(k) <= limit; k <<= 1 {
		keys = append(keys, k)
	}
	return keys
}

// nearestBucket returns the index of the key closest to ratio. Ties go to
// the smaller key.
func nearestBucket(keys []int, ratio float64) int {
	best := 0
	bestDist := math.Inf(1)
	for i, k := range keys {
		if d := math.Abs(float64(k) - ratio); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// procSampler reads /proc/<pid> and signals the target.
type procSampler struct {
	pid  int
	proc procfs.Proc
}

func newProcSampler(pid int) (sampler, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, fmt.Errorf("opening /proc/%d: %w", pid, err)
	}
	return &procSampler{pid: pid, proc: proc}, nil
}

func (p *procSampler) clearRefs(mode int) error {
	// A zombie keeps its /proc entry but has no memory left to sample.
	if st, err := p.proc.Stat(); err != nil {
		return err
	} else if st.State == "Z" {
		return unix.ESRCH
	}

	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/clear_refs", p.pid), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(mode)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (p *procSampler) resume() error  { return unix.Kill(p.pid, unix.SIGCONT) }
func (p *procSampler) suspend() error { return unix.Kill(p.pid, unix.SIGSTOP) }

// usage reports Rss, Pss and Referenced in kB.
func (p *procSampler) usage() (rss, pss, ref uint64, err error) {
	r, err := p.proc.ProcSMapsRollup()
	if err != nil {
		return 0, 0, 0, err
	}
	return r.Rss / 1024, r.Pss / 1024, r.Referenced / 1024, nil
}
