// Package runner executes the cases of a bench file and records every
// pipeline execution in the ledger and the metrics textfile.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/majorcontext/pipebench/internal/config"
	"github.com/majorcontext/pipebench/internal/ledger"
	"github.com/majorcontext/pipebench/internal/log"
	"github.com/majorcontext/pipebench/internal/metrics"
	"github.com/majorcontext/pipebench/internal/pipeline"
	"github.com/majorcontext/pipebench/internal/ui"
)

// Options configures Run.
type Options struct {
	Bench *config.Bench
	// Cases are run in the given order. Empty runs every case in file order.
	Cases []string
	// Dir overrides the bench file's output directory.
	Dir    string
	Global *config.GlobalConfig
	// Out receives progress lines. Defaults to os.Stdout.
	Out io.Writer
}

// Summary counts what Run executed.
type Summary struct {
	Cases     int
	Pipelines int
	Failed    int
}

// Run executes the selected cases. It stops at the first pipeline that
// cannot be started and when ctx is cancelled; stages exiting non-zero are
// counted in Summary.Failed without stopping the run.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Bench == nil {
		return nil, errors.New("no bench file loaded")
	}
	cases, err := selectCases(opts.Bench, opts.Cases)
	if err != nil {
		return nil, err
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	dir := opts.Dir
	if dir == "" {
		dir = opts.Bench.Dir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	l, err := ledger.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer l.Close()

	rec := metrics.New()
	defer func() {
		if err := rec.WriteFile(dir); err != nil {
			log.Warn("writing metrics", "dir", dir, "error", err)
		}
	}()
	defer log.SetCase("")

	r := &run{ledger: l, metrics: rec, out: out}
	sum := &Summary{}
	for _, c := range cases {
		pc, err := opts.Bench.Build(c, dir, opts.Global)
		if err != nil {
			return sum, err
		}
		sum.Cases++
		ui.CaseStarted(out, pc.Name)
		log.SetCase(pc.Name)

		for _, p := range pc.Pipelines {
			failed, err := r.execute(ctx, p)
			sum.Pipelines++
			if failed {
				sum.Failed++
			}
			if err != nil {
				return sum, err
			}
		}
		log.Info("case finished", "pipelines", len(pc.Pipelines))
	}
	return sum, nil
}

func selectCases(b *config.Bench, names []string) ([]*config.CaseConfig, error) {
	if len(names) == 0 {
		names = b.Names()
	}
	cases := make([]*config.CaseConfig, 0, len(names))
	for _, name := range names {
		c, ok := b.Case(name)
		if !ok {
			return nil, fmt.Errorf("unknown case %q (have: %s)", name, strings.Join(b.Names(), ", "))
		}
		cases = append(cases, c)
	}
	return cases, nil
}

type run struct {
	ledger  *ledger.Ledger
	metrics *metrics.Recorder
	out     io.Writer
}

func (r *run) execute(ctx context.Context, p *pipeline.Pipeline) (failed bool, err error) {
	command := p.String()
	lg := log.With("pipeline", p.Index)
	ui.PipelineStarted(r.out, p.Index, command)

	started := time.Now()
	res, err := p.Execute(ctx)

	e := &ledger.Execution{
		Case:      p.Case().Name,
		Pipeline:  p.Index,
		Command:   command,
		StartedAt: started,
		Status:    ledger.StatusOK,
	}
	var stages []metrics.Stage
	if res != nil {
		e.Duration = res.Duration
		for _, x := range res.Exits {
			e.Stages = append(e.Stages, ledger.StageExit{Stage: x.Stage, PID: x.PID, Code: x.Code})
			stages = append(stages, metrics.Stage{Index: x.Stage, Code: x.Code})
		}
		failed = res.Failed()
	}
	switch {
	case ctx.Err() != nil:
		e.Status = ledger.StatusCancelled
	case err != nil:
		e.Status = ledger.StatusError
	case failed:
		e.Status = ledger.StatusFailed
	}

	if _, rerr := r.ledger.Record(e); rerr != nil {
		lg.Warn("recording execution", "error", rerr)
	}
	r.metrics.Observe(e.Case, p.Index, e.Duration.Seconds(), stages, e.Status)

	lg.Debug("pipeline finished",
		"status", e.Status,
		"duration", e.Duration,
		"pipes", pipes(res))
	if failed {
		lg.Warn("pipeline had failing stages", "command", command)
	}

	if err != nil {
		if e.Status == ledger.StatusError {
			lg.Error("pipeline did not run", "command", command, "error", err)
		}
		return failed, fmt.Errorf("case %s pipeline %d: %w", e.Case, p.Index, err)
	}
	return failed, nil
}

func pipes(res *pipeline.Result) int {
	if res == nil {
		return 0
	}
	return res.Pipes
}
