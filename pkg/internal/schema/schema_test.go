package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID    uint16
	Name  string
	Bytes []byte
}

func TestSerialize_RoundTrip(t *testing.T) {
	t.Parallel()

	in := sample{ID: 7, Name: "seven", Bytes: []byte{1, 2, 3}}

	data, err := Serialize(in)
	require.NoError(t, err)
	var out sample
	require.NoError(t, Deserialize(data, &out))
	assert.Equal(t, in, out)

	compact, err := SerializeCompact(in)
	require.NoError(t, err)
	assert.Less(t, len(compact), len(data))
	var outCompact sample
	require.NoError(t, DeserializeCompact(compact, &outCompact))
	assert.Equal(t, in, outCompact)
}

func TestDeserialize_MalformedInput(t *testing.T) {
	t.Parallel()

	garbage := [][]byte{
		{0xc1},
		{0x81},
		{0x93, 0x01},
		nil,
	}

	for _, data := range garbage {
		var out sample
		assert.Error(t, Deserialize(data, &out))
		assert.Error(t, DeserializeCompact(data, &out))
	}
}
