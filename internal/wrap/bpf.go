package wrap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/pipebench/internal/bridge"
	"github.com/majorcontext/pipebench/internal/log"
)

// BPFConfig configures kernel probes attached through the elevated helper.
type BPFConfig struct {
	// Name overrides the artifact name. Defaults to "bpf".
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Program is the compiled probe object. Relative paths are resolved
	// against PIPEBENCH_PROBE_PATH by the helper.
	Program string `yaml:"program" json:"program"`
	// Entry maps kernel symbols to the program attached on entry.
	Entry map[string]string `yaml:"entry,omitempty" json:"entry,omitempty"`
	// Return maps kernel symbols to the program attached on return.
	Return map[string]string `yaml:"return,omitempty" json:"return,omitempty"`
	// Variant is "count" (default) or "hist".
	Variant string `yaml:"variant,omitempty" json:"variant,omitempty"`
	// ResultMap defaults to "counts".
	ResultMap string `yaml:"result_map,omitempty" json:"result_map,omitempty"`
	// FilterMap, when set, receives the target pid at key 0.
	FilterMap string `yaml:"filter_map,omitempty" json:"filter_map,omitempty"`
	// Stop holds the target until the probes are attached. Defaults to true.
	Stop *bool `yaml:"stop,omitempty" json:"stop,omitempty"`
	// Elevate is the privilege-elevation prefix. Defaults to DefaultElevate.
	Elevate []string `yaml:"elevate,omitempty" json:"elevate,omitempty"`
}

// ProbePathEnv locates probe objects and is preserved across elevation.
const ProbePathEnv = "PIPEBENCH_PROBE_PATH"

// DefaultElevate is the prefix used to start the helper as root.
var DefaultElevate = []string{"sudo", "--preserve-env=" + ProbePathEnv}

type bpf struct {
	cfg     BPFConfig
	variant bridge.Variant
	stop    bool

	// Overridable in tests.
	open func(ctx context.Context, argv []string, msg bridge.Message) (session, error)
}

// session is the part of *bridge.Session the wrap uses.
type session interface {
	Finish(w io.Writer) error
	Close() error
}

func newBPF(cfg BPFConfig) (*bpf, error) {
	cfg.Name = orDefault(cfg.Name, "bpf")
	cfg.ResultMap = orDefault(cfg.ResultMap, "counts")
	if cfg.Program == "" {
		return nil, errors.New("bpf: program is required")
	}
	if len(cfg.Entry) == 0 && len(cfg.Return) == 0 {
		return nil, errors.New("bpf: at least one entry or return probe is required")
	}
	variant, err := bridge.ParseVariant(cfg.Variant)
	if err != nil {
		return nil, fmt.Errorf("bpf: %w", err)
	}
	b := &bpf{cfg: cfg, variant: variant, stop: true, open: openSession}
	if cfg.Stop != nil {
		b.stop = *cfg.Stop
	}
	return b, nil
}

func openSession(ctx context.Context, argv []string, msg bridge.Message) (session, error) {
	return bridge.Open(ctx, argv, msg)
}

func (b *bpf) Name() string { return b.cfg.Name }

func (b *bpf) helperArgv() ([]string, error) {
	self, err := bridge.Executable()
	if err != nil {
		return nil, err
	}
	elevate := b.cfg.Elevate
	if elevate == nil {
		elevate = DefaultElevate
	}
	argv := append([]string(nil), elevate...)
	return append(argv, self, bridge.HelperCommand), nil
}

func (b *bpf) Attach(ctx context.Context, t Target, out Output) (bool, error) {
	argv, err := b.helperArgv()
	if err != nil {
		return true, fmt.Errorf("bpf: %w", err)
	}

	proc, err := t.Spawn()
	if err != nil {
		return true, fmt.Errorf("bpf: spawning target: %w", err)
	}
	pid := proc.Pid
	reaped := false
	defer func() {
		if !reaped {
			_ = kill(pid)
			_, _ = proc.Wait()
		}
	}()
	if b.stop {
		if err := unix.Kill(pid, unix.SIGSTOP); err != nil && !errors.Is(err, unix.ESRCH) {
			return true, fmt.Errorf("bpf: stopping target: %w", err)
		}
	}

	msg := bridge.Message{
		Variant:   b.variant,
		Program:   b.cfg.Program,
		Entry:     b.cfg.Entry,
		Return:    b.cfg.Return,
		TargetPID: uint32(pid),
		FilterMap: b.cfg.FilterMap,
		ResultMap: b.cfg.ResultMap,
	}
	s, err := b.open(ctx, argv, msg)
	if err != nil {
		return true, fmt.Errorf("bpf: %w", err)
	}
	log.Debug("bpf probes attached", "pid", pid, "program", b.cfg.Program)

	if b.stop {
		if err := unix.Kill(pid, unix.SIGCONT); err != nil && !errors.Is(err, unix.ESRCH) {
			s.Close()
			return true, fmt.Errorf("bpf: resuming target: %w", err)
		}
	}
	_, waitErr := proc.Wait()
	if waitErr != nil {
		// Not reaped: the deferred kill takes it down.
		s.Close()
		return true, fmt.Errorf("bpf: waiting for target: %w", waitErr)
	}
	reaped = true

	raw := out.Raw(b.Name())
	f, err := os.Create(raw)
	if err != nil {
		s.Close()
		return true, fmt.Errorf("bpf: creating raw log: %w", err)
	}
	finishErr := s.Finish(f)
	if err := f.Close(); err != nil && finishErr == nil {
		finishErr = err
	}
	if finishErr != nil {
		return true, fmt.Errorf("bpf: %w", finishErr)
	}

	if err := postprocess(raw, out.Post(b.Name()), func(r, w *os.File) error {
		return sortRecords(r, w)
	}); err != nil {
		return true, fmt.Errorf("bpf: %w", err)
	}
	return true, nil
}

// sortRecords orders helper output by its leading numeric key. Histogram
// keys ("lo-hi") sort by their lower bound.
func sortRecords(r io.Reader, w io.Writer) error {
	type record struct {
		key  uint64
		line string
	}
	var recs []record

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		field, _, _ := strings.Cut(line, " ")
		field, _, _ = strings.Cut(field, "-")
		key, _ := strconv.ParseUint(field, 10, 64)
		recs = append(recs, record{key: key, line: line})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading results: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].key < recs[j].key })

	bw := bufio.NewWriter(w)
	for _, rec := range recs {
		bw.WriteString(rec.line)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
