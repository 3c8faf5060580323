package wrap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// NVProfConfig configures the CUDA profiler.
type NVProfConfig struct {
	// Name overrides the artifact name. Defaults to "nvprof".
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Binary defaults to "nvprof".
	Binary string `yaml:"binary,omitempty" json:"binary,omitempty"`
}

type nvprof struct {
	cfg NVProfConfig
}

func newNVProf(cfg NVProfConfig) *nvprof {
	cfg.Name = orDefault(cfg.Name, "nvprof")
	cfg.Binary = orDefault(cfg.Binary, "nvprof")
	return &nvprof{cfg: cfg}
}

func (n *nvprof) Name() string { return n.cfg.Name }

func (n *nvprof) Attach(ctx context.Context, t Target, out Output) (bool, error) {
	raw := out.Raw(n.Name())
	t.SetArgs(append([]string{
		n.cfg.Binary,
		"--print-api-trace",
		"--print-gpu-trace",
		"--track-memory-allocations", "on",
		"--log-file", raw,
	}, t.Args()...))

	if err := runTool(t); err != nil {
		return true, err
	}
	if err := postprocess(raw, out.Post(n.Name()), func(r, w *os.File) error {
		return normalizeNVProf(r, w)
	}); err != nil {
		return true, fmt.Errorf("nvprof: %w", err)
	}
	return true, nil
}

// Column offsets of the gpu/api trace table.
const (
	nvSizeStart = 86
	nvSizeEnd   = 95
	nvNameStart = 170
)

var nvCall = regexp.MustCompile(`^\S+\([^)]+\)`)

var nvCopies = map[string]string{
	"[CUDA memcpy HtoD]": "HtoD",
	"[CUDA memcpy DtoH]": "DtoH",
	"[CUDA memcpy DtoD]": "DtoD",
}

// normalizeNVProf extracts copy, memset and API call records from the
// first fixed-column table of an nvprof log.
func normalizeNVProf(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	inTable := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !inTable {
			if strings.HasPrefix(line, " ") {
				inTable = true
			}
			continue
		}
		if line == "" {
			break
		}

		size := strings.TrimSpace(column(line, nvSizeStart, nvSizeEnd))
		name := strings.TrimSpace(column(line, nvNameStart, len(line)))

		if dir, ok := nvCopies[name]; ok {
			fmt.Fprintf(bw, "memcpy(x, %s, %s)\n", size, dir)
			continue
		}
		if name == "[CUDA memset]" {
			fmt.Fprintf(bw, "memset(x, %s)\n", size)
			continue
		}
		if call := nvCall.FindString(name); call != "" {
			fmt.Fprintln(bw, call)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading profile: %w", err)
	}
	return bw.Flush()
}

// column slices line[start:end], clamped to the line length.
func column(line string, start, end int) string {
	if start >= len(line) {
		return ""
	}
	if end > len(line) {
		end = len(line)
	}
	return line[start:end]
}
