// Package idgen produces sortable, sequence-derived identifiers for queued
// and stored messages.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"sync"
	"time"
)

// Generator hands out ids that sort in creation order within a process:
//   - 6 bytes: milliseconds since epoch, never moving backwards
//   - 3 bytes: node id
//   - 3 bytes: sequence, reset whenever the millisecond advances
//
// Encoded as 24 lower-case hex characters.
type Generator struct {
	mu     sync.Mutex
	node   [3]byte
	lastMS int64
	seq    uint32
	now    func() time.Time
}

// NewGenerator creates a generator with a random node id.
func NewGenerator() *Generator {
	g := &Generator{now: time.Now}
	if _, err := rand.Read(g.node[:]); err != nil {
		hostname, _ := os.Hostname()
		copy(g.node[:], hostname)
	}
	return g
}

// Next returns the next id.
func (g *Generator) Next() string {
	g.mu.Lock()
	ms := g.now().UnixMilli()
	if ms <= g.lastMS {
		ms = g.lastMS
		g.seq++
		if g.seq > 0xffffff {
			// sequence exhausted within one millisecond, borrow the next one
			ms++
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms
	seq := g.seq
	g.mu.Unlock()

	var id [12]byte
	for i := 5; i >= 0; i-- {
		id[i] = byte(ms)
		ms >>= 8
	}
	copy(id[6:9], g.node[:])
	id[9] = byte(seq >> 16)
	id[10] = byte(seq >> 8)
	id[11] = byte(seq)
	return hex.EncodeToString(id[:])
}

var defaultGenerator = NewGenerator()

// New returns the next id from the process-wide generator.
func New() string {
	return defaultGenerator.Next()
}
