package transport

import (
	"github.com/mcpgate/mcpgate/internal/errs"
)

// ObjectSplitter reassembles a byte stream into whole top-level JSON
// objects. Subprocess backends do not reliably delimit messages by
// newlines: objects arrive concatenated, split across arbitrary chunk
// boundaries, and may contain "}{" inside string literals. The splitter
// tracks brace/bracket depth while honoring string literals and escape
// sequences, emits each complete object exactly once in the order its
// closing brace arrives, and discards whitespace between objects. There is
// no size limit beyond memory; payloads well past 64KB are fine.
//
// The zero value is ready to use. Not safe for concurrent use; each adapter
// owns one splitter on its single reader goroutine.
type ObjectSplitter struct {
	buf      []byte
	depth    int
	inString bool
	escaped  bool
	scanned  int // bytes of buf already examined
}

// Feed appends a chunk and returns the complete objects it finished. The
// returned slices are copies; the caller owns them.
func (s *ObjectSplitter) Feed(p []byte) ([][]byte, error) {
	s.buf = append(s.buf, p...)

	var out [][]byte
	start := 0 // offset of the current object in buf

	for i := s.scanned; i < len(s.buf); i++ {
		c := s.buf[i]

		if s.depth == 0 {
			switch c {
			case ' ', '\t', '\r', '\n':
				start = i + 1
				continue
			case '{':
				start = i
				s.depth = 1
				continue
			default:
				s.buf = nil
				s.scanned = 0
				return out, errs.New(errs.ProtocolError,
					"unexpected byte %q between JSON objects", c)
			}
		}

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '{', '[':
			s.depth++
		case '}', ']':
			s.depth--
			if s.depth < 0 {
				s.buf = nil
				s.scanned = 0
				return out, errs.New(errs.ProtocolError, "unbalanced %q in stream", c)
			}
			if s.depth == 0 {
				obj := make([]byte, i+1-start)
				copy(obj, s.buf[start:i+1])
				out = append(out, obj)
				start = i + 1
			}
		}
	}

	// Keep only the unfinished tail.
	s.buf = append(s.buf[:0], s.buf[start:]...)
	s.scanned = len(s.buf)
	return out, nil
}

// Pending returns the number of buffered bytes belonging to an incomplete
// object.
func (s *ObjectSplitter) Pending() int {
	return len(s.buf)
}
