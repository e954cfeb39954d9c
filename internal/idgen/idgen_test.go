package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInstanceIDFormat(t *testing.T) {
	id := NewInstanceID("github-tools")
	require.True(t, strings.HasPrefix(id, "github-tools-"))

	suffix := strings.TrimPrefix(id, "github-tools-")
	assert.Len(t, suffix, suffixLen)
	for _, c := range suffix {
		assert.Contains(t, base36Alphabet, string(c))
	}
}

func TestNewInstanceIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewInstanceID("svc")
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestEncodeBase36Padding(t *testing.T) {
	assert.Equal(t, "000000", encodeBase36([]byte{0}, 6))
	assert.Equal(t, "000001", encodeBase36([]byte{1}, 6))
	assert.Len(t, encodeBase36([]byte{0xff, 0xff, 0xff, 0xff, 0xff}, 6), 6)
}
