package client_test

import (
	"bytes"
	"sync"

	"github.com/omochice/roomchat/internal/client"
)

// stateRecorder collects every StateChange.
type stateRecorder struct {
	mu      sync.Mutex
	changes []client.StateChange
}

func (r *stateRecorder) record(c client.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *stateRecorder) path() []client.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []client.ConnectionState
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func (r *stateRecorder) last() client.StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return client.StateChange{}
	}
	return r.changes[len(r.changes)-1]
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
