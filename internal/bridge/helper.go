package bridge

import (
	"errors"
	"fmt"
	"io"
)

// Probes are attached kernel probes awaiting collection.
type Probes interface {
	// Results writes one record per line.
	Results(w io.Writer) error
	Close() error
}

// Loader attaches the probes described by a message.
type Loader interface {
	Load(msg Message) (Probes, error)
}

// ErrAborted is returned by Serve when the parent hangs up before asking
// for results.
var ErrAborted = errors.New("bridge: parent closed the session")

// Serve runs the privileged side of the handshake on in/out.
func Serve(in io.Reader, out io.Writer, l Loader) error {
	payload, err := ReadFrame(in)
	if err != nil {
		return err
	}
	var msg Message
	if err := msg.UnmarshalBinary(payload); err != nil {
		return err
	}

	probes, err := l.Load(msg)
	if err != nil {
		return fmt.Errorf("attaching probes: %w", err)
	}
	defer probes.Close()

	if err := writeSignal(out); err != nil {
		return fmt.Errorf("signalling parent: %w", err)
	}
	if err := readSignal(in); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrAborted
		}
		return fmt.Errorf("waiting for parent: %w", err)
	}
	if err := probes.Results(out); err != nil {
		return fmt.Errorf("collecting results: %w", err)
	}
	return nil
}
