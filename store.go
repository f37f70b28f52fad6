package duochat

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store is the local durable key-value persistence. Values are JSON documents.
type Store interface {
	// Get decodes the document at key into dst. It reports false, and leaves
	// dst untouched, when the key has never been written.
	Get(key string, dst any) (bool, error)
	// Set replaces the document at key.
	Set(key string, v any) error
}

// Watcher is implemented by stores that announce writes, the way a browser
// announces storage changes made by another tab.
type Watcher interface {
	Watch(fn func(key string)) (cancel func())
}

// ============================================================================
// Change notification
// ============================================================================

type keyNotifier struct {
	mu       sync.RWMutex
	next     int
	watchers map[int]func(string)
}

// Watch registers fn for every subsequent write. Callbacks run on their own
// goroutine, so they may call back into the store.
func (n *keyNotifier) Watch(fn func(key string)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.watchers == nil {
		n.watchers = make(map[int]func(string))
	}
	id := n.next
	n.next++
	n.watchers[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.watchers, id)
		n.mu.Unlock()
	}
}

func (n *keyNotifier) notify(key string) {
	n.mu.RLock()
	fns := make([]func(string), 0, len(n.watchers))
	for _, fn := range n.watchers {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		go func(fn func(string)) {
			defer func() { recover() }() // swallow panics in watchers
			fn(key)
		}(fn)
	}
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. Documents are kept in
// encoded form so readers never share memory with writers.
type MemoryStore struct {
	keyNotifier
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Get decodes the document at key into dst and reports whether it existed.
func (s *MemoryStore) Get(key string, dst any) (bool, error) {
	s.mu.RLock()
	data, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores v as JSON under key and notifies watchers.
func (s *MemoryStore) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	s.docs[key] = data
	s.mu.Unlock()
	s.notify(key)
	return nil
}

// Keys returns the stored keys.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	return keys
}

// ============================================================================
// Typed helpers
// ============================================================================

func loadMessages(s Store) (Messages, error) {
	ms := Messages{}
	if _, err := s.Get(KeyMessages, &ms); err != nil {
		return nil, err
	}
	if ms == nil {
		ms = Messages{}
	}
	return ms, nil
}

func loadPresence(s Store) (PresenceBook, error) {
	p := PresenceBook{}
	if _, err := s.Get(KeyPresence, &p); err != nil {
		return nil, err
	}
	if p == nil {
		p = PresenceBook{}
	}
	return p, nil
}

func loadTyping(s Store) (TypingBook, error) {
	t := TypingBook{}
	if _, err := s.Get(KeyTyping, &t); err != nil {
		return nil, err
	}
	if t == nil {
		t = TypingBook{}
	}
	return t, nil
}
