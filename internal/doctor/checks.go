package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/majorcontext/pipebench/internal/ui"
	"github.com/majorcontext/pipebench/internal/wrap"
)

// Overridable in tests.
var (
	lookPath = exec.LookPath
	geteuid  = os.Geteuid
)

// HostSection shows the kernel and CPU count.
type HostSection struct{}

func (HostSection) Name() string { return "Host" }

func (HostSection) Print(ctx context.Context, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if info, err := host.InfoWithContext(ctx); err == nil {
		fmt.Fprintf(tw, "Kernel:\t%s %s\n", info.OS, info.KernelVersion)
		fmt.Fprintf(tw, "Platform:\t%s %s\n", info.Platform, info.PlatformVersion)
	} else {
		fmt.Fprintf(tw, "Kernel:\t%s %v\n", ui.WarnTag(), err)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		fmt.Fprintf(tw, "CPUs:\t%d\n", n)
	}
	return tw.Flush()
}

// ToolsSection checks the external programs each wrap runs.
type ToolsSection struct {
	// Tools maps a wrap kind to the binary it needs.
	Tools map[wrap.Kind]string
}

// DefaultTools are the binaries used when wraps leave theirs unset.
var DefaultTools = map[wrap.Kind]string{
	wrap.KindSTrace: "strace",
	wrap.KindPerf:   "perf",
	wrap.KindNVProf: "nvprof",
}

func (ToolsSection) Name() string { return "Tools" }

func (s ToolsSection) Print(_ context.Context, w io.Writer) error {
	tools := s.Tools
	if tools == nil {
		tools = DefaultTools
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, kind := range wrap.Kinds {
		bin, ok := tools[kind]
		if !ok {
			continue
		}
		if path, err := lookPath(bin); err == nil {
			fmt.Fprintf(tw, "%s:\t%s %s\n", kind, ui.OKTag(), path)
		} else {
			fmt.Fprintf(tw, "%s:\t%s %s not found\n", kind, ui.FailTag(), bin)
		}
	}
	return tw.Flush()
}

// ProcSection checks the /proc files the wss wrap reads and writes.
type ProcSection struct {
	// Mount is the procfs mount point. Empty means /proc.
	Mount string
}

func (ProcSection) Name() string { return "Working Set (wss)" }

func (s ProcSection) Print(_ context.Context, w io.Writer) error {
	mount := s.Mount
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return fmt.Errorf("opening procfs: %w", err)
	}
	self, err := fs.Proc(os.Getpid())
	if err != nil {
		return fmt.Errorf("reading own process: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if r, err := self.ProcSMapsRollup(); err == nil {
		fmt.Fprintf(tw, "smaps_rollup:\t%s rss %d kB\n", ui.OKTag(), r.Rss/1024)
	} else {
		fmt.Fprintf(tw, "smaps_rollup:\t%s %v\n", ui.FailTag(), err)
	}
	clearRefs := fmt.Sprintf("%s/%d/clear_refs", mount, os.Getpid())
	if f, err := os.OpenFile(clearRefs, os.O_WRONLY, 0); err == nil {
		f.Close()
		fmt.Fprintf(tw, "clear_refs:\t%s writable\n", ui.OKTag())
	} else {
		fmt.Fprintf(tw, "clear_refs:\t%s %v\n", ui.FailTag(), err)
	}
	return tw.Flush()
}

// PrivilegeSection reports how the bpf helper will gain privileges and
// whether perf may sample without them.
type PrivilegeSection struct {
	Elevate   []string
	ProbePath string
	// Mount is the procfs mount point. Empty means /proc.
	Mount string
}

func (PrivilegeSection) Name() string { return "Privileges (bpf, perf)" }

func (s PrivilegeSection) Print(_ context.Context, w io.Writer) error {
	mount := s.Mount
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	if geteuid() == 0 {
		fmt.Fprintf(tw, "User:\t%s root\n", ui.OKTag())
	} else {
		fmt.Fprintf(tw, "User:\tuid %d\n", geteuid())
	}

	switch {
	case len(s.Elevate) == 0:
		fmt.Fprintf(tw, "Elevation:\tnone\n")
	default:
		if _, err := lookPath(s.Elevate[0]); err == nil {
			fmt.Fprintf(tw, "Elevation:\t%s %s\n", ui.OKTag(), strings.Join(s.Elevate, " "))
		} else {
			fmt.Fprintf(tw, "Elevation:\t%s %s not found\n", ui.FailTag(), s.Elevate[0])
		}
	}

	if s.ProbePath != "" {
		if st, err := os.Stat(s.ProbePath); err == nil && st.IsDir() {
			fmt.Fprintf(tw, "Probe path:\t%s %s\n", ui.OKTag(), s.ProbePath)
		} else {
			fmt.Fprintf(tw, "Probe path:\t%s %s missing\n", ui.FailTag(), s.ProbePath)
		}
	}

	data, err := os.ReadFile(mount + "/sys/kernel/perf_event_paranoid")
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(tw, "perf_event_paranoid:\t%s not supported\n", ui.WarnTag())
	case err != nil:
		fmt.Fprintf(tw, "perf_event_paranoid:\t%s %v\n", ui.FailTag(), err)
	default:
		level, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("parsing perf_event_paranoid: %w", err)
		}
		tag := ui.OKTag()
		if level > 1 && geteuid() != 0 {
			tag = ui.WarnTag()
		}
		fmt.Fprintf(tw, "perf_event_paranoid:\t%s %d\n", tag, level)
	}
	return tw.Flush()
}

// MTraceSection checks that the allocation tracing library exists.
type MTraceSection struct {
	Library string
}

func (MTraceSection) Name() string { return "Allocation Tracing (mtrace)" }

func (s MTraceSection) Print(_ context.Context, w io.Writer) error {
	lib := wrap.MTraceLibrary(s.Library)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if st, err := os.Stat(lib); err == nil && st.Mode().IsRegular() {
		fmt.Fprintf(tw, "Library:\t%s %s\n", ui.OKTag(), lib)
	} else {
		fmt.Fprintf(tw, "Library:\t%s %s not found\n", ui.FailTag(), lib)
	}
	return tw.Flush()
}
