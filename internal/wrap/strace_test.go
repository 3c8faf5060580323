package wrap

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalize(t *testing.T, fn func(r *strings.Reader, w *strings.Builder) error, in string) []string {
	t.Helper()
	var out strings.Builder
	require.NoError(t, fn(strings.NewReader(in), &out))
	s := strings.TrimSuffix(out.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func straceNorm(r *strings.Reader, w *strings.Builder) error { return normalizeSTrace(r, w) }

func TestNormalizeSTrace_Brk(t *testing.T) {
	in := `1.000001 brk(NULL) = 0x1000 <0.000010>
1.000002 brk(0x2000) = 0x2000 <0.000010>
1.000003 brk(0x1800) = 0x1800 <0.000010>
1.000004 brk(0x1800) = 0x1800 <0.000010>
`
	got := normalize(t, straceNorm, in)
	assert.Equal(t, []string{"+ 1.000002 1000", "- 1.000003 800"}, got)
}

func TestNormalizeSTrace_Mappings(t *testing.T) {
	in := `2.000001 mmap(NULL, 8192, PROT_READ|PROT_WRITE, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0) = 0x7f0000 <0.000010>
2.000002 mprotect(0x7f0000, 4096, PROT_READ) = 0 <0.000005>
2.000003 mremap(0x7f0000, 8192, 16384, MREMAP_MAYMOVE) = 0x7e0000 <0.000007>
2.000004 munmap(0x7e0000, 16384) = 0 <0.000009>
2.000005 write(1, "x", 1) = 1 <0.000001>
not a trace line
`
	got := normalize(t, straceNorm, in)
	assert.Equal(t, []string{
		"* 2.000001 0x7f0000 2000",
		"= 2.000002 0x7f0000 1000",
		"/ 2.000003 0x7f0000 2000",
		"* 2.000003 0x7e0000 4000",
		"/ 2.000004 0x7e0000 4000",
	}, got)
}

func TestSTraceAttach(t *testing.T) {
	out := testOutput(t)
	w := newSTrace(STraceConfig{})
	target := newFakeTarget("sort", "-n")
	target.onSpawn = func(f *fakeTarget) error {
		return os.WriteFile(out.Raw("strace"), []byte("1.0 brk(NULL) = 0x1000 <0.1>\n1.5 brk(0x3000) = 0x3000 <0.1>\n"), 0644)
	}

	done, err := w.Attach(context.Background(), target, out)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"strace", "-T", "-ttt", "-o", out.Raw("strace"), "-e", "trace=%memory", "sort", "-n"}, target.args)

	post, err := os.ReadFile(out.Post("strace"))
	require.NoError(t, err)
	assert.Equal(t, "+ 1.5 2000\n", string(post))
}

func TestSTraceArgv_AllEvents(t *testing.T) {
	w := newSTrace(STraceConfig{Events: "all", Binary: "/usr/bin/strace"})
	assert.Equal(t, []string{"/usr/bin/strace", "-T", "-ttt", "-o", "raw.log"}, w.argv("raw.log"))
}
