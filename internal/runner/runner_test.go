package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/pipebench/internal/config"
	"github.com/majorcontext/pipebench/internal/ledger"
	"github.com/majorcontext/pipebench/internal/log"
	"github.com/majorcontext/pipebench/internal/metrics"
	"github.com/majorcontext/pipebench/internal/pipeline"
)

func TestMain(m *testing.M) {
	pipeline.Reexec()
	os.Exit(m.Run())
}

func parse(t *testing.T, content string) *config.Bench {
	t.Helper()
	b, err := config.Parse([]byte(content))
	require.NoError(t, err)
	return b
}

const bench = `
cases:
  - name: upper
    pipelines:
      - - run: echo hello
        - run: tr a-z A-Z
  - name: fail
    pipelines:
      - - run: sh -c 'exit 3'
      - - run: printf 'b\na\n'
        - run: sort
`

func TestRunAllCases(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	sum, err := Run(context.Background(), Options{Bench: parse(t, bench), Dir: dir, Out: &out})
	require.NoError(t, err)

	assert.Equal(t, &Summary{Cases: 2, Pipelines: 3, Failed: 1}, sum)
	assert.Equal(t,
		"case: upper\n  pipeline 0: echo hello | tr a-z A-Z\n"+
			"case: fail\n  pipeline 0: sh -c exit 3\n  pipeline 1: printf b\\na\\n | sort\n",
		out.String())

	data, err := os.ReadFile(filepath.Join(dir, "upper-0.log"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO\n", string(data))
	data, err = os.ReadFile(filepath.Join(dir, "fail-1.log"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))

	l, err := ledger.Open(dir)
	require.NoError(t, err)
	defer l.Close()
	execs, err := l.List(0)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	byKey := map[string]*ledger.Execution{}
	for _, e := range execs {
		byKey[e.Case+"/"+e.Command] = e
	}
	failed := byKey["fail/sh -c exit 3"]
	require.NotNil(t, failed)
	assert.Equal(t, ledger.StatusFailed, failed.Status)
	require.Len(t, failed.Stages, 1)
	assert.Equal(t, 3, failed.Stages[0].Code)
	assert.Equal(t, ledger.StatusOK, byKey["upper/echo hello | tr a-z A-Z"].Status)

	prom, err := os.ReadFile(filepath.Join(dir, metrics.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(prom), `pipebench_pipelines_total{status="failed"} 1`)
	assert.Contains(t, string(prom), `pipebench_pipelines_total{status="ok"} 2`)
	assert.Contains(t, string(prom), `pipebench_stage_exit_code{case="fail",pipeline="0",stage="0"} 3`)
}

func TestRunSelectedCasesInOrder(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	sum, err := Run(context.Background(), Options{
		Bench: parse(t, bench),
		Cases: []string{"fail", "upper"},
		Dir:   dir,
		Out:   &out,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Cases)
	assert.True(t, strings.Index(out.String(), "case: fail") < strings.Index(out.String(), "case: upper"))
}

func TestRunUnknownCase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	_, err := Run(context.Background(), Options{Bench: parse(t, bench), Cases: []string{"nope"}, Dir: dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown case "nope" (have: upper, fail)`)

	_, statErr := os.Stat(dir)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "output directory created for an invalid selection")
}

func TestRunUsesBenchDir(t *testing.T) {
	b := parse(t, "cases: [{name: a, pipelines: [[{run: 'true'}]]}]")
	b.Dir = filepath.Join(t.TempDir(), "nested", "results")

	_, err := Run(context.Background(), Options{Bench: b, Out: &bytes.Buffer{}})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(b.Dir, ledger.FileName))
	assert.NoError(t, err)
}

func TestRunStopsOnStartError(t *testing.T) {
	dir := t.TempDir()
	b := parse(t, `
cases:
  - name: a
    pipelines:
      - - run: cat
          stdin: does-not-exist.txt
      - - run: 'true'
`)
	var logs bytes.Buffer
	require.NoError(t, log.Init(log.Options{Stderr: &logs}))
	t.Cleanup(log.Close)

	var out bytes.Buffer
	sum, err := Run(context.Background(), Options{Bench: b, Dir: dir, Out: &out})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "case a pipeline 0")
	assert.Contains(t, logs.String(), `msg="pipeline did not run" case=a pipeline=0`)
	assert.Equal(t, 1, sum.Pipelines)
	assert.NotContains(t, out.String(), "pipeline 1")

	l, err := ledger.Open(dir)
	require.NoError(t, err)
	defer l.Close()
	execs, err := l.List(0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ledger.StatusError, execs[0].Status)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := Run(ctx, Options{Bench: parse(t, bench), Dir: t.TempDir(), Out: &bytes.Buffer{}})
	assert.True(t, errors.Is(err, context.Canceled), "error = %v", err)
	assert.Equal(t, 1, sum.Pipelines)
}

func TestRunGlobalDefaults(t *testing.T) {
	dir := t.TempDir()
	g := config.DefaultGlobalConfig()
	g.MTrace.Library = "/nonexistent/libmtrace.so"

	// The program still runs when the preload library is missing, but no
	// trace is written, so the stage process reports a failure.
	b := parse(t, `
cases:
  - name: m
    defaults:
      stderr: "null"
    pipelines:
      - - run: echo ok
          wrap: {kind: mtrace}
`)
	sum, err := Run(context.Background(), Options{Bench: b, Dir: dir, Global: g, Out: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	data, err := os.ReadFile(filepath.Join(dir, "m-0.log"))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(data))
}

func TestRunNoBench(t *testing.T) {
	_, err := Run(context.Background(), Options{})
	assert.Error(t, err)
}
