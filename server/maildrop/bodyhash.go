package maildrop

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"hash"
)

var crlf = []byte("\r\n")

// BodyHash is an io.Writer computing the relaxed-canonicalized SHA-256 body
// hash used for DKIM signing while the body streams to storage. Bare LF line
// endings are treated as CRLF.
type BodyHash struct {
	h          hash.Hash
	line       []byte
	emptyLines int
	wrote      bool
	lastCRLF   bool
	size       int64
	sum        string
	done       bool
}

// NewBodyHash creates an empty body hash.
func NewBodyHash() *BodyHash {
	return &BodyHash{h: sha256.New()}
}

// Write implements io.Writer. It never fails.
func (b *BodyHash) Write(p []byte) (int, error) {
	n := len(p)
	b.size += int64(n)
	for len(p) > 0 {
		nl := bytes.IndexByte(p, '\n')
		if nl < 0 {
			b.line = append(b.line, p...)
			break
		}
		b.line = append(b.line, p[:nl]...)
		b.processLine(true)
		p = p[nl+1:]
	}
	return n, nil
}

func (b *BodyHash) processLine(terminated bool) {
	line := b.line
	if terminated {
		line = bytes.TrimSuffix(line, []byte("\r"))
	}
	line = bytes.TrimRight(line, " \t")

	processed := make([]byte, 0, len(line))
	prevWS := false
	for _, c := range line {
		if c == ' ' || c == '\t' {
			if !prevWS {
				processed = append(processed, ' ')
				prevWS = true
			}
			continue
		}
		processed = append(processed, c)
		prevWS = false
	}
	b.line = b.line[:0]

	if len(processed) == 0 {
		if terminated {
			b.emptyLines++
		}
		return
	}

	// empty lines are only written once followed by content
	for ; b.emptyLines > 0; b.emptyLines-- {
		b.h.Write(crlf)
	}
	b.h.Write(processed)
	b.wrote = true
	if terminated {
		b.h.Write(crlf)
	}
	b.lastCRLF = terminated
}

// Sum finishes the hash and returns it base64 encoded. Further writes are
// not reflected.
func (b *BodyHash) Sum() string {
	if b.done {
		return b.sum
	}
	if len(b.line) > 0 {
		b.processLine(false)
	}
	if b.wrote && !b.lastCRLF {
		b.h.Write(crlf)
	}
	b.sum = base64.StdEncoding.EncodeToString(b.h.Sum(nil))
	b.done = true
	return b.sum
}

// Size returns the number of bytes written.
func (b *BodyHash) Size() int64 {
	return b.size
}
