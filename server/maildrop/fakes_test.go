package maildrop

import (
	"context"
	"errors"
	"io"
	"sync"
)

type memBlobStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	meta      map[string]*Envelope
	opts      map[string]UploadOptions
	unlinked  []string
	uploads   int
	failMeta  error
	failWrite error
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{
		objects: make(map[string][]byte),
		meta:    make(map[string]*Envelope),
		opts:    make(map[string]UploadOptions),
	}
}

func (s *memBlobStore) Upload(_ context.Context, name string, r io.Reader, opts UploadOptions) error {
	s.mu.Lock()
	s.uploads++
	s.mu.Unlock()

	if s.failWrite != nil {
		return s.failWrite
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = data
	s.opts[name] = opts
	return nil
}

func (s *memBlobStore) SetMeta(_ context.Context, name string, env *Envelope) error {
	if s.failMeta != nil {
		return s.failMeta
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; !ok {
		return errors.New("no such object")
	}
	s.meta[name] = env
	return nil
}

func (s *memBlobStore) Unlink(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
	delete(s.meta, name)
	s.unlinked = append(s.unlinked, name)
	return nil
}

type memQueue struct {
	mu      sync.Mutex
	records []QueueRecord
	err     error
}

func (q *memQueue) InsertMany(_ context.Context, records []QueueRecord) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, records...)
	return nil
}

// failingReader returns data and then fails.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}
