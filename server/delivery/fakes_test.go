package delivery

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/archessay/wildduck/server/filters"
	"github.com/archessay/wildduck/server/maildrop"
)

type fakeFilters struct {
	filters []filters.Filter
	err     error
}

func (f *fakeFilters) UserFilters(context.Context, string) ([]filters.Filter, error) {
	return f.filters, f.err
}

type fakeAutoreplies struct {
	ar    *Autoreply
	err   error
	calls int
}

func (f *fakeAutoreplies) ActiveAutoreply(context.Context, string, time.Time) (*Autoreply, error) {
	f.calls++
	return f.ar, f.err
}

type fakeMessages struct {
	mu       sync.Mutex
	requests []StoreRequest
	existing bool
	err      error
}

func (f *fakeMessages) StoreMessage(_ context.Context, req StoreRequest) (*Stored, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &Stored{ID: "msg-" + req.Message.ID, Mailbox: req.Mailbox.Value, Existing: f.existing}, nil
}

type fakeLog struct {
	entries []LogEntry
}

func (f *fakeLog) LogMessage(_ context.Context, e LogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

type pushed struct {
	req  maildrop.Request
	body []byte
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []pushed
	err    error
}

func (f *fakePusher) Push(_ context.Context, req maildrop.Request, body io.Reader) (*maildrop.Envelope, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushed{req: req, body: data})
	id := "queue-" + req.Reason
	return &maildrop.Envelope{ID: id, MessageID: "<" + id + "@test>"}, nil
}

func (f *fakePusher) byReason(reason string) []pushed {
	var out []pushed
	for _, p := range f.pushes {
		if p.req.Reason == reason {
			out = append(out, p)
		}
	}
	return out
}

type fakeEncrypter struct {
	calls int
	err   error
}

func (f *fakeEncrypter) Encrypt(_ string, raw []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := append([]byte("X-Encrypted: yes\r\n"), raw...)
	return out, nil
}

var errBoom = errors.New("boom")
