package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysRecursively(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"z": true, "y": []any{"<x>", 2.5}}}
	out, err := Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":["<x>",2.5],"z":true},"b":1}`, string(out))
}

func TestMarshalStructMatchesEquivalentMap(t *testing.T) {
	type envelope struct {
		Actor  string `json:"actor"`
		Action string `json:"action"`
	}
	fromStruct, err := Marshal(envelope{Actor: "sentinel", Action: "ingest"})
	require.NoError(t, err)
	fromMap, err := Marshal(map[string]any{"action": "ingest", "actor": "sentinel"})
	require.NoError(t, err)
	assert.Equal(t, fromMap, fromStruct)
}
