package pipeline

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Fder is anything backed by an OS descriptor, such as *os.File.
type Fder interface {
	Fd() uintptr
}

type fdKind int

const (
	fdInherit fdKind = iota
	fdNull
	fdMirror
	fdRaw
	fdPath
	fdFile
)

// FD describes where one standard stream of a stage points. The zero value
// inherits the stream from pipebench itself.
type FD struct {
	kind fdKind
	raw  int
	path string
	file Fder
}

// Null discards output and reads as empty input.
func Null() FD { return FD{kind: fdNull} }

// MirrorStdout sends the last stage's stderr wherever its stdout goes.
func MirrorStdout() FD { return FD{kind: fdMirror} }

// Raw uses descriptor n as is. pipebench never closes it.
func Raw(n int) FD { return FD{kind: fdRaw, raw: n} }

// Path opens p: read-only relative to the stage's working directory for
// stdin, created or truncated for stdout and stderr.
func Path(p string) FD { return FD{kind: fdPath, path: p} }

// File uses the descriptor behind f. pipebench never closes it.
func File(f Fder) FD { return FD{kind: fdFile, file: f} }

// IsSet reports whether the spec differs from inherit.
func (f FD) IsSet() bool { return f.kind != fdInherit }

// IsMirror reports whether f is the MirrorStdout sentinel.
func (f FD) IsMirror() bool { return f.kind == fdMirror }

func (f FD) String() string {
	switch f.kind {
	case fdNull:
		return "null"
	case fdMirror:
		return "stdout"
	case fdRaw:
		return "fd:" + strconv.Itoa(f.raw)
	case fdPath:
		return f.path
	case fdFile:
		return fmt.Sprintf("file:%d", f.file.Fd())
	}
	return "inherit"
}

// ParseFD reads the textual form used in bench files:
//
//	"" or "inherit"  inherit
//	"null"           the null device
//	"stdout"         mirror the last stage's stdout
//	"fd:N"           raw descriptor N
//	anything else    a path
func ParseFD(s string) (FD, error) {
	switch s {
	case "", "inherit":
		return FD{}, nil
	case "null":
		return Null(), nil
	case "stdout":
		return MirrorStdout(), nil
	}
	if rest, ok := strings.CutPrefix(s, "fd:"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return FD{}, fmt.Errorf("malformed fd spec %q", s)
		}
		return Raw(n), nil
	}
	return Path(s), nil
}

var (
	nullOnce sync.Once
	nullFD   int
	nullErr  error
)

// nullDevice returns the process-wide /dev/null descriptor, opening it on
// first use. It is never closed.
func nullDevice() (int, error) {
	nullOnce.Do(func() {
		nullFD, nullErr = unix.Open("/dev/null", unix.O_RDWR|unix.O_CLOEXEC, 0)
		if nullErr != nil {
			nullErr = fmt.Errorf("opening /dev/null: %w", nullErr)
		}
	})
	return nullFD, nullErr
}

type stream int

const (
	streamIn stream = iota
	streamOut
	streamErr
)

// resolveFD turns spec into a descriptor for stream. owned is true when
// the caller opened the descriptor and must close it once the stage has
// started. Mirror is handled by the caller and resolves to the null device
// here.
func resolveFD(spec FD, s stream, cwd string) (fd int, owned bool, err error) {
	switch spec.kind {
	case fdInherit:
		return int(s), false, nil
	case fdNull, fdMirror:
		fd, err := nullDevice()
		return fd, false, err
	case fdRaw:
		return spec.raw, false, nil
	case fdFile:
		return int(spec.file.Fd()), false, nil
	case fdPath:
		if s == streamIn {
			p := spec.path
			if !filepath.IsAbs(p) && cwd != "" {
				p = filepath.Join(cwd, p)
			}
			fd, err := unix.Open(p, unix.O_RDONLY|unix.O_CLOEXEC, 0)
			if err != nil {
				return -1, false, fmt.Errorf("opening %s: %w", p, err)
			}
			return fd, true, nil
		}
		fd, err := unix.Open(spec.path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0644)
		if err != nil {
			return -1, false, fmt.Errorf("creating %s: %w", spec.path, err)
		}
		return fd, true, nil
	}
	return -1, false, fmt.Errorf("unknown fd spec kind %d", spec.kind)
}
