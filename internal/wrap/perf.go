package wrap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/majorcontext/pipebench/internal/log"
)

// PerfConfig configures hardware-counter sampling with perf record.
type PerfConfig struct {
	// Name overrides the artifact name. Defaults to "perf".
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Events lists PMU event names. A nil list selects the preset (or the
	// load/cache preset); an explicit empty list disables the wrap.
	Events []string `yaml:"events" json:"events"`
	// Preset names a built-in event list. See PerfPresets.
	Preset string `yaml:"preset,omitempty" json:"preset,omitempty"`
	// Frequency is the sampling frequency in Hz. Defaults to 100.
	Frequency int `yaml:"frequency,omitempty" json:"frequency,omitempty"`
	// Interval is the flush period in seconds. Defaults to 1.
	Interval float64 `yaml:"interval,omitempty" json:"interval,omitempty"`
	// Binary defaults to "perf".
	Binary string `yaml:"binary,omitempty" json:"binary,omitempty"`
}

// PerfPresets are the event lists selectable by name.
var PerfPresets = map[string][]string{
	// all_loads = l1_hit + l1_miss + hit_lfb
	"loads-cache": {
		"mem_inst_retired.all_loads",
		"mem_load_retired.l1_hit",
		"mem_load_retired.l2_miss",
		"mem_load_retired.l3_miss",
	},
	"loads-tlb": {
		"mem_inst_retired.all_loads",
		"dtlb_load_misses.stlb_hit",
		"dtlb_load_misses.miss_causes_a_walk",
		"dtlb_load_misses.walk_pending",
	},
	"stores-tlb": {
		"mem_inst_retired.all_stores",
		"dtlb_store_misses.stlb_hit",
		"dtlb_store_misses.miss_causes_a_walk",
		"dtlb_store_misses.walk_pending",
	},
}

const defaultPerfPreset = "loads-cache"

// maxPerfEvents is the number of general-purpose counters perf can use
// without multiplexing on common Intel parts.
const maxPerfEvents = 4

type perf struct {
	cfg PerfConfig
}

func newPerf(cfg PerfConfig) (*perf, error) {
	cfg.Name = orDefault(cfg.Name, "perf")
	cfg.Binary = orDefault(cfg.Binary, "perf")
	if cfg.Frequency == 0 {
		cfg.Frequency = 100
	}
	if cfg.Interval == 0 {
		cfg.Interval = 1.0
	}
	if cfg.Frequency < 0 || cfg.Interval < 0 {
		return nil, fmt.Errorf("perf: frequency and interval must be positive")
	}
	if cfg.Events == nil {
		preset := orDefault(cfg.Preset, defaultPerfPreset)
		events, ok := PerfPresets[preset]
		if !ok {
			return nil, fmt.Errorf("perf: unknown preset %q", preset)
		}
		cfg.Events = append([]string(nil), events...)
	}
	return &perf{cfg: cfg}, nil
}

func (p *perf) Name() string { return p.cfg.Name }

func (p *perf) Attach(ctx context.Context, t Target, out Output) (bool, error) {
	if len(p.cfg.Events) == 0 {
		log.Warn("perf: no events enabled, running target unwrapped", "stage", out.Stage)
		return false, nil
	}
	if len(p.cfg.Events) > maxPerfEvents {
		log.Warn("perf: enabling this many events simultaneously leads to PMC multiplexing and scaling, reducing accuracy",
			"events", p.cfg.Events)
	}

	raw := out.Raw(p.Name())
	t.SetArgs(append(p.argv(raw), t.Args()...))
	if err := runTool(t); err != nil {
		return true, err
	}

	cmd := exec.CommandContext(ctx, p.cfg.Binary, "script", "-i", raw, "-F", "-comm,-tid,-ip")
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return true, fmt.Errorf("perf script: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return true, fmt.Errorf("starting perf script: %w", err)
	}

	post, err := os.Create(out.Post(p.Name()))
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return true, fmt.Errorf("creating normalized log: %w", err)
	}
	aggErr := aggregateSamples(stdout, post, p.cfg.Events, p.cfg.Interval)
	closeErr := post.Close()

	// Drain and reap; perf script exits on its own at end of input.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	switch {
	case aggErr != nil:
		return true, fmt.Errorf("perf: %w", aggErr)
	case closeErr != nil:
		return true, fmt.Errorf("perf: %w", closeErr)
	case waitErr != nil:
		return true, fmt.Errorf("perf script: %w", waitErr)
	}
	return true, nil
}

func (p *perf) argv(raw string) []string {
	return []string{
		p.cfg.Binary, "record",
		"-F", strconv.Itoa(p.cfg.Frequency),
		"-o", raw,
		"-e", strings.Join(p.cfg.Events, ","),
		"--",
	}
}

// aggregateSamples reads perf script lines of the form
//
//	12345.678901:     100003 mem_inst_retired.all_loads:
//
// and writes per-event totals, in events order, each time interval seconds
// have elapsed since the previous flush.
func aggregateSamples(r io.Reader, w io.Writer, events []string, interval float64) error {
	bw := bufio.NewWriter(w)
	index := make(map[string]int, len(events))
	for i, e := range events {
		index[e] = i
	}
	totals := make([]uint64, len(events))

	var prev float64
	started := false

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		cur, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], ":"), 64)
		if err != nil {
			continue
		}
		count, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		event, _, _ := strings.Cut(fields[2], ":")
		i, ok := index[event]
		if !ok {
			continue
		}
		totals[i] += count

		if !started {
			prev, started = cur, true
		}
		if cur-prev >= interval {
			prev = cur
			for j, v := range totals {
				if j > 0 {
					bw.WriteByte(' ')
				}
				bw.WriteString(strconv.FormatUint(v, 10))
				totals[j] = 0
			}
			bw.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading samples: %w", err)
	}
	return bw.Flush()
}
