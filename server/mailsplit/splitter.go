package mailsplit

import (
	"bytes"
	"errors"
	"io"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("mailsplit: write after close")

// Splitter is a streaming transform. Bytes written to it are scanned for the
// empty line that ends the header block; the header block is parsed and
// handed to OnHeaders, everything after it is passed to the body writer
// unchanged. Detection does not depend on how the stream is chunked.
//
// Write blocks while the body writer blocks, so a slow consumer throttles
// the producer.
type Splitter struct {
	// OnHeaders is called exactly once, before the first body byte is
	// written. A returned error aborts the stream.
	OnHeaders func(*Headers) error

	body io.Writer

	headerBuf   bytes.Buffer
	headers     *Headers
	headersDone bool
	closed      bool

	// the two bytes preceding the next byte to scan
	prev1, prev2 byte

	headerBytes int64
	bodySize    int64
}

// NewSplitter creates a splitter that writes body bytes to body.
func NewSplitter(body io.Writer) *Splitter {
	if body == nil {
		body = io.Discard
	}
	return &Splitter{body: body}
}

// Write implements io.Writer.
func (s *Splitter) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.headersDone {
		return s.writeBody(p)
	}

	for i, c := range p {
		if c == '\n' && (s.prev1 == '\n' || (s.prev1 == '\r' && s.prev2 == '\n')) {
			s.headerBuf.Write(p[:i+1])
			if err := s.finishHeaders(s.headerBuf.Bytes()); err != nil {
				return i + 1, err
			}
			if rest := p[i+1:]; len(rest) > 0 {
				n, err := s.writeBody(rest)
				return i + 1 + n, err
			}
			return len(p), nil
		}
		s.prev2, s.prev1 = s.prev1, c
	}

	s.headerBuf.Write(p)
	return len(p), nil
}

func (s *Splitter) writeBody(p []byte) (int, error) {
	n, err := s.body.Write(p)
	s.bodySize += int64(n)
	return n, err
}

func (s *Splitter) finishHeaders(raw []byte) error {
	s.headersDone = true
	s.headerBytes = int64(s.headerBuf.Len())
	s.headers = Parse(raw)
	s.headerBuf = bytes.Buffer{}
	if s.OnHeaders != nil {
		return s.OnHeaders(s.headers)
	}
	return nil
}

// Close ends the stream. A stream that never contained an empty line is
// treated as headers only: a terminating empty line using the stream's last
// line break (CRLF when there is none) is appended and the body stays empty. Close does not close the body writer.
func (s *Splitter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.headersDone {
		return nil
	}

	raw := append([]byte(nil), s.headerBuf.Bytes()...)
	switch {
	case len(raw) == 0:
		raw = []byte("\r\n")
	case bytes.HasSuffix(raw, []byte("\r\n")):
		raw = append(raw, '\r', '\n')
	case raw[len(raw)-1] == '\n':
		raw = append(raw, '\n')
	default:
		raw = append(raw, '\r', '\n', '\r', '\n')
	}
	return s.finishHeaders(raw)
}

// Headers returns the parsed headers, or nil before the header block ended.
func (s *Splitter) Headers() *Headers {
	return s.headers
}

// HeaderBytes returns the size of the header block as received.
func (s *Splitter) HeaderBytes() int64 {
	return s.headerBytes
}

// BodySize returns the number of body bytes forwarded so far.
func (s *Splitter) BodySize() int64 {
	return s.bodySize
}

// Split reads a whole message from r and returns its headers and body.
func Split(r io.Reader) (*Headers, []byte, error) {
	var body bytes.Buffer
	s := NewSplitter(&body)
	if _, err := io.Copy(s, r); err != nil {
		return nil, nil, err
	}
	if err := s.Close(); err != nil {
		return nil, nil, err
	}
	return s.Headers(), body.Bytes(), nil
}
