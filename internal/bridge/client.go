package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// ExecutableEnv overrides the binary used for stage processes and the
// elevated helper.
const ExecutableEnv = "PIPEBENCH_EXECUTABLE"

// HelperCommand is the hidden subcommand that runs Serve.
const HelperCommand = "_bpf-helper"

// Executable returns the pipebench binary to re-execute.
func Executable() (string, error) {
	if exe := os.Getenv(ExecutableEnv); exe != "" {
		return filepath.Abs(exe)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving executable: %w", err)
	}
	return exe, nil
}

// Session is the unprivileged end of an attached helper.
type Session struct {
	cmd  *exec.Cmd
	fwd  *os.File // parent -> helper
	back *os.File // helper -> parent
}

// Open starts argv as the helper, sends msg and blocks until the helper
// reports that every probe is attached.
func Open(ctx context.Context, argv []string, msg Message) (*Session, error) {
	if len(argv) == 0 {
		return nil, errors.New("bridge: empty helper command")
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}

	fwdR, fwdW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating forward pipe: %w", err)
	}
	backR, backW, err := os.Pipe()
	if err != nil {
		fwdR.Close()
		fwdW.Close()
		return nil, fmt.Errorf("creating backward pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = fwdR
	cmd.Stdout = backW
	cmd.Stderr = os.Stderr
	err = cmd.Start()
	// The helper holds its own copies now.
	fwdR.Close()
	backW.Close()
	if err != nil {
		fwdW.Close()
		backR.Close()
		return nil, fmt.Errorf("starting helper: %w", err)
	}

	s := &Session{cmd: cmd, fwd: fwdW, back: backR}
	if err := WriteFrame(fwdW, payload); err != nil {
		s.abort()
		return nil, err
	}
	if err := readSignal(backR); err != nil {
		waitErr := s.abort()
		if waitErr != nil {
			return nil, fmt.Errorf("helper did not attach: %w", waitErr)
		}
		return nil, fmt.Errorf("helper did not attach: %w", err)
	}
	return s, nil
}

// Finish tells the helper the target is gone, copies its results to w
// and waits for it to exit.
func (s *Session) Finish(w io.Writer) error {
	if err := writeSignal(s.fwd); err != nil {
		s.abort()
		return fmt.Errorf("signalling helper: %w", err)
	}
	s.fwd.Close()

	_, copyErr := io.Copy(w, s.back)
	s.back.Close()
	waitErr := s.cmd.Wait()

	if copyErr != nil {
		return fmt.Errorf("reading helper results: %w", copyErr)
	}
	if waitErr != nil {
		return fmt.Errorf("helper: %w", waitErr)
	}
	return nil
}

// Close abandons the session. The helper sees EOF on its input and exits
// without reporting.
func (s *Session) Close() error {
	return s.abort()
}

func (s *Session) abort() error {
	s.fwd.Close()
	_, _ = io.Copy(io.Discard, s.back)
	s.back.Close()
	return s.cmd.Wait()
}
