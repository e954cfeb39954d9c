package transport

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/errs"
)

func feedAll(t *testing.T, s *ObjectSplitter, chunks ...[]byte) [][]byte {
	t.Helper()
	var out [][]byte
	for _, c := range chunks {
		objs, err := s.Feed(c)
		require.NoError(t, err)
		out = append(out, objs...)
	}
	return out
}

func TestSplitterSingleObject(t *testing.T) {
	var s ObjectSplitter
	objs := feedAll(t, &s, []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(objs[0]))
	assert.Zero(t, s.Pending())
}

func TestSplitterConcatenatedObjects(t *testing.T) {
	var s ObjectSplitter
	objs := feedAll(t, &s, []byte(`{"id":1}{"id":2} {"id":3}`))
	require.Len(t, objs, 3)
	assert.Equal(t, `{"id":1}`, string(objs[0]))
	assert.Equal(t, `{"id":2}`, string(objs[1]))
	assert.Equal(t, `{"id":3}`, string(objs[2]))
}

// A "}{" inside a string literal must not split the object, and chunk
// boundaries may fall anywhere, including inside escape sequences.
func TestSplitterBraceInStringAcrossChunks(t *testing.T) {
	stream := `{"jsonrpc":"2.0","id":1,"result":{"text":"hello}{world"}}` +
		`{"jsonrpc":"2.0","id":2,"result":{"ok":true}}`

	// First chunk 7 bytes, second 16, remainder in one piece.
	var s ObjectSplitter
	objs := feedAll(t, &s,
		[]byte(stream[:7]),
		[]byte(stream[7:23]),
		[]byte(stream[23:]),
	)
	require.Len(t, objs, 2)

	var first struct {
		ID     int `json:"id"`
		Result struct {
			Text string `json:"text"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(objs[0], &first))
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, "hello}{world", first.Result.Text)

	var second struct {
		ID int `json:"id"`
	}
	require.NoError(t, json.Unmarshal(objs[1], &second))
	assert.Equal(t, 2, second.ID)
}

func TestSplitterEveryChunkSize(t *testing.T) {
	stream := []byte(`{"a":"\"}{\\"}{"b":[1,{"c":"}"}]}` + "\n" + `{"d":null}`)
	for size := 1; size <= len(stream); size++ {
		var s ObjectSplitter
		var objs [][]byte
		for off := 0; off < len(stream); off += size {
			end := off + size
			if end > len(stream) {
				end = len(stream)
			}
			got, err := s.Feed(stream[off:end])
			require.NoError(t, err, "chunk size %d", size)
			objs = append(objs, got...)
		}
		require.Len(t, objs, 3, "chunk size %d", size)
		assert.True(t, json.Valid(objs[0]), "chunk size %d", size)
		assert.True(t, json.Valid(objs[1]), "chunk size %d", size)
		assert.Equal(t, `{"d":null}`, string(objs[2]), "chunk size %d", size)
	}
}

func TestSplitterLargePayload(t *testing.T) {
	big := strings.Repeat("x", 200*1024)
	payload := `{"jsonrpc":"2.0","id":9,"result":{"blob":"` + big + `"}}`

	var s ObjectSplitter
	objs := feedAll(t, &s, []byte(payload[:len(payload)/2]), []byte(payload[len(payload)/2:]))
	require.Len(t, objs, 1)
	assert.Equal(t, payload, string(objs[0]))
	assert.Zero(t, s.Pending())
}

func TestSplitterIncompleteTailRetained(t *testing.T) {
	var s ObjectSplitter
	objs, err := s.Feed([]byte(`{"id":1}{"par`))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, len(`{"par`), s.Pending())

	objs, err = s.Feed([]byte(`tial":true}`))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, `{"partial":true}`, string(objs[0]))
}

func TestSplitterRejectsNonObjectBytes(t *testing.T) {
	var s ObjectSplitter
	_, err := s.Feed([]byte(`garbage`))
	require.Error(t, err)
	assert.Equal(t, errs.ProtocolError, errs.CodeOf(err))
}

func TestSplitterRejectsUnbalancedClose(t *testing.T) {
	var s ObjectSplitter
	_, err := s.Feed([]byte(`}`))
	require.Error(t, err)
	assert.Equal(t, errs.ProtocolError, errs.CodeOf(err))
}
