package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/majorcontext/pipebench/internal/wrap"
)

func TestMain(m *testing.M) {
	Reexec()
	os.Exit(m.Run())
}

func stage(t *testing.T, args ...string) *Stage {
	t.Helper()
	s, err := NewStage(args...)
	require.NoError(t, err)
	return s
}

func readLog(t *testing.T, p *Pipeline) string {
	t.Helper()
	data, err := os.ReadFile(p.LogPath())
	require.NoError(t, err)
	return string(data)
}

func TestExecute_TwoStages(t *testing.T) {
	c := NewCase("demo", t.TempDir())
	p := c.Add(stage(t, "echo", "hi"), stage(t, "tr", "h", "H"))

	res, err := p.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Pipes)
	assert.Len(t, res.Exits, 2)
	assert.False(t, res.Failed())
	assert.Equal(t, filepath.Join(c.Dir, "demo-0.log"), p.LogPath())
	assert.Contains(t, readLog(t, p), "Hi")
}

func TestExecute_ThreeStages(t *testing.T) {
	c := NewCase("sort", t.TempDir())
	c.Add(stage(t, "true"))
	p := c.Add(stage(t, "printf", `b\na\nc\n`), stage(t, "sort"), stage(t, "head", "-n", "2"))

	res, err := p.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Pipes)
	assert.Len(t, res.Exits, 3)
	seen := map[int]bool{}
	for _, e := range res.Exits {
		seen[e.Stage] = true
		assert.NotZero(t, e.PID)
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, seen)
	assert.Equal(t, "a\nb\n", readLog(t, p))
	assert.Equal(t, filepath.Join(c.Dir, "sort-1.log"), p.LogPath())
}

func TestExecute_IntermediateStdoutIsAlwaysThePipe(t *testing.T) {
	dir := t.TempDir()
	c := NewCase("demo", dir)
	first := stage(t, "echo", "through")
	first.Stdout = Path(filepath.Join(dir, "ignored.txt"))
	second := stage(t, "cat")
	second.Stdin = Null()
	p := c.Add(first, second)

	_, err := p.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "through\n", readLog(t, p))
	assert.NoFileExists(t, filepath.Join(dir, "ignored.txt"))
}

func TestExecute_ExitCodes(t *testing.T) {
	c := NewCase("codes", t.TempDir())
	missing := stage(t, "/nonexistent/pipebench-test-binary")
	missing.Stderr = Null()
	p := c.Add(stage(t, "sh", "-c", "exit 3"), missing)

	res, err := p.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Exits, 2)
	assert.True(t, res.Failed())

	codes := map[int]int{}
	for _, e := range res.Exits {
		codes[e.Stage] = e.Code
	}
	assert.Equal(t, 3, codes[0])
	assert.Equal(t, exitExecFailed, codes[1])
}

func TestExecute_StdinPathRelativeToCwd(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "input.txt"), []byte("from file\n"), 0644))

	c := NewCase("stdin", t.TempDir())
	cat := stage(t, "cat")
	cat.Cwd = work
	cat.Stdin = Path("input.txt")
	p := c.Add(cat)

	res, err := p.Execute(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Pipes)
	assert.Equal(t, "from file\n", readLog(t, p))
}

func TestExecute_StdoutPathTruncates(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(out, []byte("old contents that are long\n"), 0644))

	c := NewCase("trunc", dir)
	echo := stage(t, "echo", "new")
	echo.Stdout = Path(out)
	c.Add(echo)

	_, err := c.Pipelines[0].Execute(context.Background())
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
}

func TestExecute_StderrMirrorsStdout(t *testing.T) {
	c := NewCase("mirror", t.TempDir())
	sh := stage(t, "sh", "-c", "echo out; echo err >&2")
	sh.Stderr = MirrorStdout()
	p := c.Add(sh)

	_, err := p.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "out\nerr\n", readLog(t, p))
}

func TestExecute_StdoutToFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	c := NewCase("file", "")
	echo := stage(t, "echo", "to file")
	echo.Stdout = File(f)
	p := c.Add(echo)

	_, err = p.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, p.LogPath())

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "to file\n", string(data))

	// Caller-supplied descriptors stay open.
	_, err = f.WriteString("still open\n")
	assert.NoError(t, err)
}

func TestExecute_InheritsDefaults(t *testing.T) {
	c := NewCase("env", t.TempDir())
	c.Defaults.Env = map[string]string{"GREETING": "from case"}
	c.Defaults.Cwd = t.TempDir()

	p := c.Add(stage(t, "sh", "-c", `echo "$GREETING"; pwd`))
	p.Defaults.Env = map[string]string{"GREETING": "from pipeline"}

	_, err := p.Execute(context.Background())
	require.NoError(t, err)

	wd, err := filepath.EvalSymlinks(c.Defaults.Cwd)
	require.NoError(t, err)
	assert.Equal(t, "from pipeline\n"+wd+"\n", readLog(t, p))
}

func TestExecute_WrappedStageIsWaitedOnce(t *testing.T) {
	c := NewCase("wrapped", t.TempDir())
	traced := stage(t, "sh", "-c", `echo "1.0 malloc(16) = 0x10" > "$MALLOC_TRACE"; echo done`)
	traced.Stderr = Null()
	traced.Wrap = &wrap.Spec{Kind: wrap.KindMTrace, MTrace: &wrap.MTraceConfig{Library: "/nonexistent/libmtrace.so"}}
	p := c.Add(traced, stage(t, "tr", "d", "D"))

	res, err := p.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pipes)
	assert.Len(t, res.Exits, 2)
	assert.False(t, res.Failed())
	assert.Equal(t, "Done\n", readLog(t, p))

	post, err := os.ReadFile(filepath.Join(c.Dir, "wrapped-0-0-mtrace.log.post"))
	require.NoError(t, err)
	assert.Equal(t, "+ 1.0 0x10 10\n", string(post))
}

func TestExecute_Cancel(t *testing.T) {
	c := NewCase("cancel", t.TempDir())
	p := c.Add(stage(t, "sleep", "30"), stage(t, "cat"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := p.Execute(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Pipes)
	assert.Zero(t, p.running())
}

func TestExecute_AlreadyCancelled(t *testing.T) {
	c := NewCase("cancel", t.TempDir())
	p := c.Add(stage(t, "true"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, p.LogPath())
}

func TestExecute_StartFailureReapsStartedStages(t *testing.T) {
	c := NewCase("partial", t.TempDir())
	last := stage(t, "cat")
	last.Stdout = Raw(987654)
	p := c.Add(stage(t, "sleep", "30"), last)

	start := time.Now()
	_, err := p.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting stage 1")
	assert.Less(t, time.Since(start), 10*time.Second)

	// The first stage was killed and reaped: no child is left to wait for.
	var ws unix.WaitStatus
	_, err = unix.Wait4(-1, &ws, unix.WNOHANG, nil)
	assert.ErrorIs(t, err, unix.ECHILD)
	assert.Zero(t, p.running())
}

func TestExecute_NoStages(t *testing.T) {
	p := NewCase("empty", t.TempDir()).Add()
	_, err := p.Execute(context.Background())
	assert.Error(t, err)
}

func TestTerminate_Idempotent(t *testing.T) {
	p := NewCase("t", "").Add(stage(t, "true"))
	p.Terminate()
	p.Terminate()
	assert.Zero(t, p.running())
}

func TestPipelineString(t *testing.T) {
	p := NewCase("s", "").Add(stage(t, "echo", "hi"), stage(t, "tr", "h", "H"))
	assert.Equal(t, "echo hi | tr h H", p.String())
}
