package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]any{"b": 2, "a": 1, "c": []byte{1, 2, 3}}

	first, err := Marshal(value)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(value)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"name": "x"})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(data, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok, "expected map[string]any, got %T", out)
	assert.Equal(t, "x", m["name"])
}

func TestGRPCCodecName(t *testing.T) {
	assert.Equal(t, "cbor", GRPC{}.Name())
}
