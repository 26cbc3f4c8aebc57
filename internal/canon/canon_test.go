package canon

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSONSortsKeysBytewise(t *testing.T) {
	out, err := FromJSON([]byte(`{"aa":1,"b":2}`))
	require.NoError(t, err)
	// "b" encodes as 0x61 0x62 and sorts before "aa" (0x62 0x61 0x61).
	assert.Equal(t, "a261620262616101", hex.EncodeToString(out))
}

func TestMarshalIsOrderIndependent(t *testing.T) {
	a, err := FromJSON([]byte(`{"x":{"k":1,"j":[true,null]},"y":"v"}`))
	require.NoError(t, err)
	b, err := FromJSON([]byte(`{"y":"v","x":{"j":[true,null],"k":1}}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, SHA256Hex(a), SHA256Hex(b))
}

func TestShortestIntegers(t *testing.T) {
	out, err := FromJSON([]byte(`[0,23,24,255,256,-1,1.0]`))
	require.NoError(t, err)
	assert.Equal(t, "87001718181818ff1901002001", hex.EncodeToString(out))
}

func TestRoundTripThroughJSON(t *testing.T) {
	type sample struct {
		Name  string            `json:"name"`
		Count int               `json:"count"`
		Tags  map[string]string `json:"tags"`
	}
	in := sample{Name: "slack", Count: 3, Tags: map[string]string{"b": "2", "a": "1"}}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
	assert.True(t, IsObject(data))
}

func TestDecodeRejectsTagsAndIndefinite(t *testing.T) {
	// tag 1 (epoch time) wrapping 0
	_, err := Decode([]byte{0xc1, 0x00})
	assert.Error(t, err)
	// indefinite-length array
	_, err = Decode([]byte{0x9f, 0x01, 0xff})
	assert.Error(t, err)
	_, err = Decode(nil)
	assert.Error(t, err)
}

func TestDecodeRejectsOversized(t *testing.T) {
	_, err := Decode(make([]byte, MaxDocument+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"z": 1, "a": []string{"<b>"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["<b>"],"z":1}`, string(out))
}

func TestSHA256HexConcatenates(t *testing.T) {
	assert.Equal(t, SHA256Hex([]byte("ab")), SHA256Hex([]byte("a"), []byte("b")))
	assert.Len(t, SHA256Hex(), 64)
}
