package wrap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// STraceConfig configures the syscall tracer.
type STraceConfig struct {
	// Name overrides the artifact name. Defaults to "strace".
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Events is passed to strace -e. Defaults to "trace=%memory"; "all"
	// disables filtering.
	Events string `yaml:"events,omitempty" json:"events,omitempty"`
	// Binary defaults to "strace".
	Binary string `yaml:"binary,omitempty" json:"binary,omitempty"`
}

const defaultSTraceEvents = "trace=%memory"

type strace struct {
	cfg STraceConfig
}

func newSTrace(cfg STraceConfig) *strace {
	cfg.Name = orDefault(cfg.Name, "strace")
	cfg.Events = orDefault(cfg.Events, defaultSTraceEvents)
	cfg.Binary = orDefault(cfg.Binary, "strace")
	return &strace{cfg: cfg}
}

func (s *strace) Name() string { return s.cfg.Name }

func (s *strace) Attach(ctx context.Context, t Target, out Output) (bool, error) {
	raw := out.Raw(s.Name())
	t.SetArgs(append(s.argv(raw), t.Args()...))

	if err := runTool(t); err != nil {
		return true, err
	}
	if err := postprocess(raw, out.Post(s.Name()), func(r, w *os.File) error {
		return normalizeSTrace(r, w)
	}); err != nil {
		return true, fmt.Errorf("strace: %w", err)
	}
	return true, nil
}

func (s *strace) argv(raw string) []string {
	args := []string{s.cfg.Binary, "-T", "-ttt", "-o", raw}
	if s.cfg.Events != "all" {
		args = append(args, "-e", s.cfg.Events)
	}
	return args
}

// 1700000000.000100 mmap(NULL, 8192, PROT_READ, ...) = 0x7f0000 <0.000010>
var straceLine = regexp.MustCompile(`^(\d+\.\d+) (\w+)\(([^)]*)\) += +(\w+) <(\d+\.\d+)>`)

// normalizeSTrace converts strace -ttt -T output into memory event records.
func normalizeSTrace(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	var brk uint64
	haveBrk := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		m := straceLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		ts, fn, ret := m[1], m[2], m[4]
		args := splitArgs(m[3])

		switch fn {
		case "brk":
			v, ok := parseNum(ret)
			if !ok {
				continue
			}
			if !haveBrk {
				brk, haveBrk = v, true
				continue
			}
			switch {
			case v > brk:
				fmt.Fprintf(bw, "+ %s %x\n", ts, v-brk)
			case v < brk:
				fmt.Fprintf(bw, "- %s %x\n", ts, brk-v)
			}
			brk = v
		case "mmap", "mmap2":
			size, ok := argNum(args, 1)
			if !ok {
				continue
			}
			fmt.Fprintf(bw, "* %s %s %x\n", ts, ret, size)
		case "munmap":
			size, ok := argNum(args, 1)
			if !ok || len(args) < 1 {
				continue
			}
			fmt.Fprintf(bw, "/ %s %s %x\n", ts, args[0], size)
		case "mprotect":
			size, ok := argNum(args, 1)
			if !ok {
				continue
			}
			fmt.Fprintf(bw, "= %s %s %x\n", ts, args[0], size)
		case "mremap":
			oldSize, ok1 := argNum(args, 1)
			newSize, ok2 := argNum(args, 2)
			if !ok1 || !ok2 {
				continue
			}
			fmt.Fprintf(bw, "/ %s %s %x\n", ts, args[0], oldSize)
			fmt.Fprintf(bw, "* %s %s %x\n", ts, ret, newSize)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading trace: %w", err)
	}
	return bw.Flush()
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func argNum(args []string, i int) (uint64, bool) {
	if i >= len(args) {
		return 0, false
	}
	return parseNum(args[i])
}

// parseNum accepts decimal and 0x-prefixed hex.
func parseNum(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
