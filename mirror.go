package duochat

import (
	"context"
	"encoding/json"
	"sync"
)

// Mirror is the shared remote document store. It keeps, per path, a JSON
// object whose top-level fields are written by whichever client patched
// them last. It has no merge logic of its own.
type Mirror interface {
	// Subscribe delivers the current document at path and then every later
	// version until ctx is done. Delivery for one subscription is sequential.
	Subscribe(ctx context.Context, path string, fn func(Document)) error
	// Patch replaces the named top-level fields at path, leaving the others.
	Patch(ctx context.Context, path string, fields Document) error
}

// ============================================================================
// MemoryMirror
// ============================================================================

type mirrorSub struct {
	mu sync.Mutex // serializes delivery
	fn func(Document)
}

// MemoryMirror is an in-process Mirror shared by any number of clients.
type MemoryMirror struct {
	mu      sync.Mutex
	docs    map[string]Document
	subs    map[string]map[*mirrorSub]struct{}
	offline bool
}

// NewMemoryMirror creates an empty mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{
		docs: make(map[string]Document),
		subs: make(map[string]map[*mirrorSub]struct{}),
	}
}

// SetOffline makes every subsequent Patch fail with ErrMirrorOffline until
// switched back, simulating a lost connection.
func (m *MemoryMirror) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

func (m *MemoryMirror) Subscribe(ctx context.Context, path string, fn func(Document)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub := &mirrorSub{fn: fn}

	m.mu.Lock()
	if m.subs[path] == nil {
		m.subs[path] = make(map[*mirrorSub]struct{})
	}
	m.subs[path][sub] = struct{}{}
	snap := copyDocument(m.docs[path])
	m.mu.Unlock()

	sub.deliver(snap)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[path], sub)
		m.mu.Unlock()
	}()
	return nil
}

func (m *MemoryMirror) Patch(ctx context.Context, path string, fields Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return ErrMirrorOffline
	}
	doc := m.docs[path]
	if doc == nil {
		doc = make(Document)
		m.docs[path] = doc
	}
	for k, v := range fields {
		doc[k] = append(json.RawMessage(nil), v...)
	}
	snap := copyDocument(doc)
	subs := make([]*mirrorSub, 0, len(m.subs[path]))
	for s := range m.subs[path] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(snap)
	}
	return nil
}

// Snapshot returns a copy of the document at path.
func (m *MemoryMirror) Snapshot(path string) Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyDocument(m.docs[path])
}

// Put overwrites one field at path without notifying subscribers. Tests use
// it to stage a remote state that differs from what was pushed.
func (m *MemoryMirror) Put(path, field string, raw json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[path] == nil {
		m.docs[path] = make(Document)
	}
	m.docs[path][field] = raw
}

func (s *mirrorSub) deliver(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { recover() }() // swallow panics in subscriber callbacks
	s.fn(doc)
}

func copyDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
