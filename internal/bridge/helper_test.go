package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperEnv makes the test binary act as the helper process.
const helperEnv = "BRIDGE_TEST_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		err := Serve(os.Stdin, os.Stdout, &fakeLoader{fail: mode == "fail"})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type fakeLoader struct {
	fail   bool
	loaded *Message
}

func (f *fakeLoader) Load(msg Message) (Probes, error) {
	if f.fail {
		return nil, errors.New("no such program")
	}
	f.loaded = &msg
	return &fakeProbes{msg: msg}, nil
}

type fakeProbes struct {
	msg    Message
	closed bool
}

func (p *fakeProbes) Results(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d 1\n%s 2\n", p.msg.TargetPID, p.msg.Variant)
	return err
}

func (p *fakeProbes) Close() error {
	p.closed = true
	return nil
}

func TestSessionHandshake(t *testing.T) {
	t.Setenv(helperEnv, "ok")

	msg := sampleMessage()
	s, err := Open(context.Background(), []string{os.Args[0]}, msg)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, s.Finish(&out))
	assert.Equal(t, "4242 1\nhist 2\n", out.String())
}

func TestSessionHandshake_LoadFailure(t *testing.T) {
	t.Setenv(helperEnv, "fail")

	_, err := Open(context.Background(), []string{os.Args[0]}, sampleMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "helper did not attach")
}

func TestServe_InProcess(t *testing.T) {
	payload, err := sampleMessage().MarshalBinary()
	require.NoError(t, err)

	var in bytes.Buffer
	require.NoError(t, WriteFrame(&in, payload))
	in.WriteByte(handshakeByte)

	var out bytes.Buffer
	l := &fakeLoader{}
	require.NoError(t, Serve(&in, &out, l))

	require.NotNil(t, l.loaded)
	assert.Equal(t, sampleMessage(), *l.loaded)
	assert.Equal(t, "\x004242 1\nhist 2\n", out.String())
}

func TestServe_RejectsBadLengthBeforeLoading(t *testing.T) {
	in := bytes.NewReader(binary.LittleEndian.AppendUint32(nil, MaxMessage+1))
	var out bytes.Buffer
	l := &fakeLoader{}

	err := Serve(in, &out, l)
	assert.ErrorIs(t, err, ErrBadLength)
	assert.Nil(t, l.loaded)
	assert.Zero(t, out.Len(), "nothing may be written back")
}

func TestServe_Aborted(t *testing.T) {
	payload, err := sampleMessage().MarshalBinary()
	require.NoError(t, err)

	var in bytes.Buffer
	require.NoError(t, WriteFrame(&in, payload))

	var out bytes.Buffer
	err = Serve(&in, &out, &fakeLoader{})
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, "\x00", out.String())
}

func TestExecutable_Override(t *testing.T) {
	t.Setenv(ExecutableEnv, "/opt/pipebench/bin/pipebench")
	exe, err := Executable()
	require.NoError(t, err)
	assert.Equal(t, "/opt/pipebench/bin/pipebench", exe)
}
