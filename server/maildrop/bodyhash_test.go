package maildrop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func hashOf(chunks ...string) string {
	h := NewBodyHash()
	for _, c := range chunks {
		h.Write([]byte(c))
	}
	return h.Sum()
}

func TestBodyHashEmpty(t *testing.T) {
	// sha256 of the empty string
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", hashOf())
}

func TestBodyHashRelaxedCanonicalization(t *testing.T) {
	base := hashOf("Hello World\r\n")

	assert.Equal(t, base, hashOf("Hello   World  \r\n"), "whitespace runs compress")
	assert.Equal(t, base, hashOf("Hello World\n"), "bare LF counts as CRLF")
	assert.Equal(t, base, hashOf("Hello World\r\n\r\n\r\n"), "trailing empty lines ignored")
	assert.Equal(t, base, hashOf("Hello World"), "missing final CRLF added")
	assert.NotEqual(t, base, hashOf("Hello\r\n\r\nWorld\r\n"))
}

func TestBodyHashChunkInvariance(t *testing.T) {
	body := "line one\r\n\r\n  indented\tline \r\nlast"
	want := hashOf(body)
	for size := 1; size < len(body); size++ {
		var chunks []string
		for i := 0; i < len(body); i += size {
			end := i + size
			if end > len(body) {
				end = len(body)
			}
			chunks = append(chunks, body[i:end])
		}
		assert.Equal(t, want, hashOf(chunks...), "chunk size %d", size)
	}
}

func TestBodyHashSize(t *testing.T) {
	h := NewBodyHash()
	h.Write([]byte("abc\r\n"))
	h.Write([]byte("de"))
	assert.Equal(t, int64(7), h.Size())
	assert.Equal(t, h.Sum(), h.Sum())
}

func TestBodyHashTrailingWhitespaceLine(t *testing.T) {
	assert.Equal(t, hashOf("abc\r\n"), hashOf("abc\r\n  "))
	assert.Equal(t, hashOf(), hashOf(" \t "))
}
