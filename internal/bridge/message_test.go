package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() Message {
	return Message{
		Variant:   VariantHist,
		Program:   "probes/alloc.o",
		Entry:     map[string]string{"__kmalloc": "on_kmalloc", "kfree": "on_kfree"},
		Return:    map[string]string{"__kmalloc": "on_kmalloc_ret"},
		TargetPID: 4242,
		FilterMap: "target",
		ResultMap: "counts",
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := sampleMessage()
	data, err := msg.MarshalBinary()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, msg, got)
}

func TestMessageMarshal_Deterministic(t *testing.T) {
	a, err := sampleMessage().MarshalBinary()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b, err := sampleMessage().MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestMessageUnmarshal_Strict(t *testing.T) {
	good, err := sampleMessage().MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", nil, "truncated"},
		{"truncated", good[:len(good)-3], "truncated"},
		{"trailing", append(append([]byte{}, good...), 0), "trailing"},
		{"version", append([]byte{9}, good[1:]...), "version"},
		{"variant", append([]byte{good[0], 7}, good[2:]...), "variant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			err := m.UnmarshalBinary(tt.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMessageMarshal_TooLarge(t *testing.T) {
	msg := sampleMessage()
	msg.Program = strings.Repeat("x", MaxMessage)
	_, err := msg.MarshalBinary()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("")
	require.NoError(t, err)
	assert.Equal(t, VariantCount, v)

	v, err = ParseVariant("hist")
	require.NoError(t, err)
	assert.Equal(t, VariantHist, v)

	_, err = ParseVariant("tree")
	assert.Error(t, err)
}
