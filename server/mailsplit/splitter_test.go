package mailsplit

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type splitResult struct {
	headers []byte
	body    []byte
	hbytes  int64
	bsize   int64
}

func runChunks(t *testing.T, chunks [][]byte) splitResult {
	t.Helper()
	var body bytes.Buffer
	var got *Headers
	calls := 0
	s := NewSplitter(&body)
	s.OnHeaders = func(h *Headers) error {
		calls++
		require.Zero(t, body.Len(), "headers must be emitted before any body byte")
		got = h
		return nil
	}
	for _, c := range chunks {
		n, err := s.Write(c)
		require.NoError(t, err)
		require.Equal(t, len(c), n)
	}
	require.NoError(t, s.Close())
	require.Equal(t, 1, calls)
	return splitResult{headers: got.Build(), body: body.Bytes(), hbytes: s.HeaderBytes(), bsize: s.BodySize()}
}

func chunkEvery(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}

func TestSplitterChunkInvariance(t *testing.T) {
	messages := map[string]string{
		"crlf":        "From: a@example.com\r\nSubject: hi\r\n\r\nline one\r\nline two\r\n",
		"lf":          "From: a@example.com\nSubject: hi\n\nbody\n",
		"folded":      "Subject: a\r\n very long\r\n\tfolded\r\nTo: b@example.com\r\n\r\nbody\r\n\r\nmore\r\n",
		"empty body":  "Subject: x\r\n\r\n",
		"single byte": "Subject: x\r\n\r\nA",
	}

	for name, msg := range messages {
		t.Run(name, func(t *testing.T) {
			data := []byte(msg)
			want := runChunks(t, [][]byte{data})

			for size := 1; size <= len(data); size++ {
				got := runChunks(t, chunkEvery(data, size))
				assert.Equal(t, want, got, "chunk size %d", size)
			}

			rnd := rand.New(rand.NewSource(7))
			for i := 0; i < 50; i++ {
				var chunks [][]byte
				rest := data
				for len(rest) > 0 {
					n := rnd.Intn(len(rest)) + 1
					chunks = append(chunks, rest[:n])
					rest = rest[n:]
				}
				assert.Equal(t, want, runChunks(t, chunks))
			}

			assert.Equal(t, int64(len(data)), want.hbytes+want.bsize)
		})
	}
}

func TestSplitterBodyUnmodified(t *testing.T) {
	msg := "Subject: x\r\n\r\nbody\r\n\r\nFrom: not a header\r\n"
	res := runChunks(t, chunkEvery([]byte(msg), 3))
	assert.Equal(t, "body\r\n\r\nFrom: not a header\r\n", string(res.body))
	assert.Equal(t, "Subject: x\r\n\r\n", string(res.headers))
}

func TestSplitterNoBoundary(t *testing.T) {
	res := runChunks(t, chunkEvery([]byte("Subject: x\r\nTo: y@example.com"), 4))
	assert.Empty(t, res.body)
	assert.Equal(t, "Subject: x\r\nTo: y@example.com\r\n\r\n", string(res.headers))
	assert.Equal(t, int64(0), res.bsize)

	res = runChunks(t, nil)
	assert.Empty(t, res.body)
	assert.Equal(t, "\r\n", string(res.headers))
}

func TestSplitterBareLineFeedRoundTrip(t *testing.T) {
	msg := "Subject: a\n folded\nX-Test: b\n\nbody\n"
	res := runChunks(t, chunkEvery([]byte(msg), 2))
	assert.Equal(t, "Subject: a\n folded\nX-Test: b\n\n", string(res.headers))
	assert.Equal(t, msg, string(res.headers)+string(res.body))

	res = runChunks(t, [][]byte{[]byte("Subject: x\n")})
	assert.Equal(t, "Subject: x\n\n", string(res.headers))
}

func TestSplitterMixedLineEndingBoundary(t *testing.T) {
	// "\n\r\n" terminates the header block too
	res := runChunks(t, [][]byte{[]byte("Subject: x\n"), []byte("\r"), []byte("\nbody")})
	assert.Equal(t, "body", string(res.body))
	assert.Equal(t, "Subject: x\n\r\n", string(res.headers))
}

func TestSplitterOnHeadersError(t *testing.T) {
	s := NewSplitter(nil)
	boom := errors.New("boom")
	s.OnHeaders = func(*Headers) error { return boom }
	_, err := s.Write([]byte("A: b\r\n\r\nbody"))
	assert.ErrorIs(t, err, boom)
}

func TestSplitterWriteAfterClose(t *testing.T) {
	s := NewSplitter(nil)
	require.NoError(t, s.Close())
	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSplit(t *testing.T) {
	h, body, err := Split(bytes.NewReader([]byte("Subject: Test\r\n\r\nHello")))
	require.NoError(t, err)
	assert.Equal(t, "Test", h.Get("subject"))
	assert.Equal(t, "Hello", string(body))
}
