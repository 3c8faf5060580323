package wrap

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPerf_Defaults(t *testing.T) {
	p, err := newPerf(PerfConfig{})
	require.NoError(t, err)
	assert.Equal(t, PerfPresets["loads-cache"], p.cfg.Events)
	assert.Equal(t, 100, p.cfg.Frequency)
	assert.Equal(t, 1.0, p.cfg.Interval)

	p, err = newPerf(PerfConfig{Preset: "stores-tlb"})
	require.NoError(t, err)
	assert.Equal(t, "mem_inst_retired.all_stores", p.cfg.Events[0])

	p, err = newPerf(PerfConfig{Events: []string{"cycles"}, Preset: "stores-tlb"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cycles"}, p.cfg.Events, "explicit events win over the preset")
}

func TestPerfArgv(t *testing.T) {
	p, err := newPerf(PerfConfig{Events: []string{"cycles", "instructions"}, Frequency: 997})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"perf", "record", "-F", "997", "-o", "raw.log", "-e", "cycles,instructions", "--",
	}, p.argv("raw.log"))
}

func TestPerfAttach_NoEvents(t *testing.T) {
	p, err := newPerf(PerfConfig{Events: []string{}})
	require.NoError(t, err)

	target := newFakeTarget("sort")
	done, err := p.Attach(context.Background(), target, testOutput(t))
	require.NoError(t, err)
	assert.False(t, done, "target runs unwrapped")
	assert.Equal(t, []string{"sort"}, target.args)
	assert.Zero(t, target.spawned)
}

func TestAggregateSamples(t *testing.T) {
	in := `    10.000000:     100 cycles:
    10.200000:       7 instructions:u:
    10.400000:       5 branch-misses:
    10.600000:      50 cycles:
    11.000000:       3 instructions:
    11.500000:       1 cycles:
    12.100000:       2 cycles:
garbage
`
	var out strings.Builder
	require.NoError(t, aggregateSamples(strings.NewReader(in), &out, []string{"cycles", "instructions"}, 1.0))
	assert.Equal(t, "150 10\n3 0\n", out.String())
}

func TestAggregateSamples_OrderFollowsConfig(t *testing.T) {
	in := "1.0: 4 b:\n1.1: 9 a:\n2.0: 1 a:\n"
	var out strings.Builder
	require.NoError(t, aggregateSamples(strings.NewReader(in), &out, []string{"a", "b"}, 0.5))
	assert.Equal(t, "10 4\n", out.String())
}
