package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsArgMap_NilIsValid(t *testing.T) {
	m, err := asArgMap(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestAsArgMap_MapPassesThrough(t *testing.T) {
	m, err := asArgMap(map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, m["x"])
}

func TestAsArgMap_SequenceRejected(t *testing.T) {
	_, err := asArgMap([]any{1, 2})
	assert.Error(t, err)
}

func TestAsStringArgMap_RejectsNonStringValues(t *testing.T) {
	_, err := asStringArgMap(map[string]any{"x": 1})
	assert.Error(t, err)
}

func TestIsMethodNotFound(t *testing.T) {
	assert.True(t, isMethodNotFound(assertErr("jsonrpc2: method not found: tools/list")))
	assert.False(t, isMethodNotFound(assertErr("connection refused")))
	assert.False(t, isMethodNotFound(nil))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
