/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package keyhash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	require.Equal(t, Sum([]byte("embed: hello")), Sum([]byte("embed: hello")))
	require.Equal(t, Sum([]byte("embed: hello")), SumString("embed: hello"))
	require.NotEqual(t, Sum([]byte("embed: hello")), Sum([]byte("embed: hello!")))

	// SHA-256 of the empty string.
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sum(nil).String())
}

func TestSumJSON(t *testing.T) {
	k1, err := SumJSON(map[string]interface{}{"model": "nomic", "input": "hello"})
	require.NoError(t, err)
	k2, err := SumJSON(map[string]interface{}{"input": "hello", "model": "nomic"})
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	_, err = SumJSON(make(chan int))
	require.Error(t, err)
}

func TestParseKey(t *testing.T) {
	key := SumString("payload")

	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	require.Equal(t, key, parsed)
	require.True(t, strings.HasPrefix(key.String(), key.Short()))

	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "too short", input: "abcd"},
		{name: "not hex", input: strings.Repeat("zz", Size)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.input)
			require.Error(t, err)
		})
	}
}
