package wrap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// MTraceConfig configures the LD_PRELOAD allocation tracer.
type MTraceConfig struct {
	// Name overrides the artifact name. Defaults to "mtrace".
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Library is the interposition library. Defaults to libmtrace.so next
	// to the executable (built from c/libmtrace.c).
	Library string `yaml:"library,omitempty" json:"library,omitempty"`
}

type mtrace struct {
	cfg MTraceConfig
}

func newMTrace(cfg MTraceConfig) *mtrace {
	cfg.Name = orDefault(cfg.Name, "mtrace")
	return &mtrace{cfg: cfg}
}

func (m *mtrace) Name() string { return m.cfg.Name }

func (m *mtrace) library() string {
	return MTraceLibrary(m.cfg.Library)
}

// MTraceLibrary resolves the library a config naming lib would preload.
func MTraceLibrary(lib string) string {
	if lib != "" {
		return lib
	}
	exe, err := os.Executable()
	if err != nil {
		return "libmtrace.so"
	}
	return filepath.Join(filepath.Dir(exe), "libmtrace.so")
}

func (m *mtrace) Attach(ctx context.Context, t Target, out Output) (bool, error) {
	raw := out.Raw(m.Name())
	t.Setenv("LD_PRELOAD", m.library())
	t.Setenv("MALLOC_TRACE", raw)

	if err := runTool(t); err != nil {
		return true, err
	}
	if err := postprocess(raw, out.Post(m.Name()), func(r, w *os.File) error {
		return normalizeMTrace(r, w)
	}); err != nil {
		return true, fmt.Errorf("mtrace: %w", err)
	}
	return true, nil
}

// Pointers are hex with or without a 0x prefix. Sizes are decimal unless
// 0x-prefixed.
var mtraceLine = regexp.MustCompile(`^(\d+\.\d+) (\w+)\(([^)]*)\)(?: = (\w+))?`)

// normalizeMTrace converts allocator calls into +/- records, tracking the
// size of every live pointer.
func normalizeMTrace(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	live := make(map[uint64]uint64)

	alloc := func(ts string, addr, size uint64) {
		live[addr] = size
		fmt.Fprintf(bw, "+ %s 0x%x %x\n", ts, addr, size)
	}
	release := func(ts string, addr uint64) {
		size := live[addr]
		delete(live, addr)
		fmt.Fprintf(bw, "- %s 0x%x %x\n", ts, addr, size)
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := mtraceLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		ts, fn := m[1], m[2]
		args := splitArgs(m[3])
		ret, hasRet := parsePtr(m[4])

		switch fn {
		case "malloc":
			size, ok := argNum(args, 0)
			if !ok || !hasRet || ret == 0 {
				continue
			}
			alloc(ts, ret, size)
		case "calloc":
			n, ok1 := argNum(args, 0)
			sz, ok2 := argNum(args, 1)
			if !ok1 || !ok2 || !hasRet || ret == 0 {
				continue
			}
			alloc(ts, ret, n*sz)
		case "free":
			addr, ok := argPtr(args, 0)
			if !ok || addr == 0 {
				continue
			}
			release(ts, addr)
		case "realloc":
			old, ok1 := argPtr(args, 0)
			size, ok2 := argNum(args, 1)
			if !ok1 || !ok2 || !hasRet {
				continue
			}
			// A failed resize leaves the old block in place.
			if ret == 0 && size > 0 {
				continue
			}
			if old != 0 {
				release(ts, old)
			}
			if ret != 0 {
				alloc(ts, ret, size)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading trace: %w", err)
	}
	return bw.Flush()
}

func argPtr(args []string, i int) (uint64, bool) {
	if i >= len(args) {
		return 0, false
	}
	return parsePtr(args[i])
}

// parsePtr reads a pointer printed as hex, with or without 0x.
func parsePtr(s string) (uint64, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
