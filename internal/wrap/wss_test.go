package wrap

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeSampler succeeds for limit cycles and then fails clearRefs with err.
type fakeSampler struct {
	limit   int
	err     error
	cycles  int
	resumes int
	stops   int
}

func (f *fakeSampler) clearRefs(mode int) error {
	if f.cycles >= f.limit {
		return f.err
	}
	f.cycles++
	return nil
}

func (f *fakeSampler) resume() error  { f.resumes++; return nil }
func (f *fakeSampler) suspend() error { f.stops++; return nil }

func (f *fakeSampler) usage() (uint64, uint64, uint64, error) {
	return 100, 80, 40, nil
}

// fakeClock advances by exactly the slept duration.
type fakeClock struct {
	t     time.Time
	slept []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
}

func newTestWSS(t *testing.T, cfg WSSConfig) (*wss, *fakeClock) {
	t.Helper()
	w, err := newWSS(cfg)
	require.NoError(t, err)
	c := &fakeClock{t: time.Unix(1000, 0)}
	w.now = c.now
	w.sleep = c.sleep
	return w, c
}

func buffers(n int) ([]*bytes.Buffer, []io.Writer) {
	bufs := make([]*bytes.Buffer, n)
	ws := make([]io.Writer, n)
	for i := range bufs {
		bufs[i] = &bytes.Buffer{}
		ws[i] = bufs[i]
	}
	return bufs, ws
}

func TestBucketKeys(t *testing.T) {
	assert.Equal(t, []int{1, 2}, bucketKeys(0.01, false))
	assert.Equal(t, []int{1, 2, 4, 8, 16, 32, 64}, bucketKeys(0.01, true))
	assert.Equal(t, []int{1, 2}, bucketKeys(0.5, true))
	assert.Equal(t, []int{1, 2}, bucketKeys(0.25, false))
}

func TestNearestBucket(t *testing.T) {
	keys := []int{1, 2, 4, 8}
	assert.Equal(t, 0, nearestBucket(keys, 0.2))
	assert.Equal(t, 0, nearestBucket(keys, 1.4))
	assert.Equal(t, 1, nearestBucket(keys, 1.6))
	assert.Equal(t, 1, nearestBucket(keys, 3.0), "ties go to the smaller key")
	assert.Equal(t, 3, nearestBucket(keys, 40))
}

func TestWSSRun_MaxCycles(t *testing.T) {
	w, clock := newTestWSS(t, WSSConfig{Max: 3})
	s := &fakeSampler{limit: 100}
	keys := bucketKeys(w.delay, w.profile)
	bufs, out := buffers(len(keys))

	res, n, err := w.run(context.Background(), s, keys, out)
	require.NoError(t, err)
	assert.Equal(t, cycleMeasured, res)
	assert.Equal(t, 3, n)
	assert.Equal(t, "100 80 40\n100 80 40\n100 80 40\n", bufs[0].String())
	assert.Empty(t, bufs[1].String())
	assert.Equal(t, 3, s.resumes)
	assert.Equal(t, 3, s.stops)
	assert.Len(t, clock.slept, 3)
}

func TestWSSRun_StopsCleanly(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want cycleResult
	}{
		{"permission", unix.EACCES, cycleDenied},
		{"eperm", unix.EPERM, cycleDenied},
		{"gone", unix.ESRCH, cycleExited},
		{"missing", unix.ENOENT, cycleExited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newTestWSS(t, WSSConfig{})
			s := &fakeSampler{limit: 2, err: tt.err}
			keys := bucketKeys(w.delay, w.profile)
			_, out := buffers(len(keys))

			res, n, err := w.run(context.Background(), s, keys, out)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
			assert.Equal(t, 2, n)
		})
	}
}

func TestWSSRun_ProfileBuckets(t *testing.T) {
	w, clock := newTestWSS(t, WSSConfig{Delay: 0.01, Profile: true, Max: 20})
	s := &fakeSampler{limit: 100}
	keys := bucketKeys(w.delay, w.profile)
	bufs, out := buffers(len(keys))

	_, n, err := w.run(context.Background(), s, keys, out)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	// Delays double from 10ms and wrap after exceeding one second.
	want := []time.Duration{10, 20, 40, 80, 160, 320, 640, 10, 20}
	for i, d := range want {
		assert.Equal(t, d*time.Millisecond, clock.slept[i].Round(time.Millisecond), "cycle %d", i)
	}
	for i := range keys {
		assert.NotEmpty(t, bufs[i].String(), "bucket %d", keys[i])
	}
}

func TestWSSRun_NoProfileUsesBaseDelay(t *testing.T) {
	stop := false
	w, clock := newTestWSS(t, WSSConfig{Max: 4, Stop: &stop})
	s := &fakeSampler{limit: 100}
	keys := bucketKeys(w.delay, w.profile)
	bufs, out := buffers(len(keys))

	_, _, err := w.run(context.Background(), s, keys, out)
	require.NoError(t, err)
	for _, d := range clock.slept {
		assert.Equal(t, 10*time.Millisecond, d)
	}
	assert.Zero(t, s.resumes, "no signals without stop")
	assert.Equal(t, 4, bytes.Count(bufs[0].Bytes(), []byte("\n")))
}

func TestWSSRun_Cancelled(t *testing.T) {
	w, _ := newTestWSS(t, WSSConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	keys := bucketKeys(w.delay, w.profile)
	_, out := buffers(len(keys))
	_, n, err := w.run(ctx, &fakeSampler{limit: 100}, keys, out)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWSSAttach_WritesBucketFiles(t *testing.T) {
	out := testOutput(t)
	w, _ := newTestWSS(t, WSSConfig{Max: 2})
	w.newSampler = func(pid int) (sampler, error) { return &fakeSampler{limit: 100}, nil }

	target := newFakeTarget("sort")
	done, err := w.Attach(context.Background(), target, out)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, target.spawned)

	assert.FileExists(t, out.Prefix("wss")+"-0.01.log")
	assert.FileExists(t, out.Prefix("wss")+"-0.02.log")
}
