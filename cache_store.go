package fetchkit

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// CacheEntry is a stored response snapshot.
type CacheEntry struct {
	Key        string      `json:"key"`
	StatusCode int         `json:"status_code"`
	Status     string      `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	LastAccess time.Time   `json:"last_access"`
	Hits       int64       `json:"hits"`
	Size       int         `json:"size"`
}

func newCacheEntry(key string, resp *Response, now time.Time, ttl time.Duration) *CacheEntry {
	body := append([]byte(nil), resp.Body...)
	return &CacheEntry{
		Key:        key,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		Size:       len(body),
	}
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Clone returns a deep copy.
func (e *CacheEntry) Clone() *CacheEntry {
	c := *e
	c.Header = e.Header.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}

// Response materializes a fresh response for req.
func (e *CacheEntry) Response(req *Request) *Response {
	resp := &Response{
		StatusCode: e.StatusCode,
		Status:     e.Status,
		Header:     e.Header.Clone(),
		Request:    req,
	}
	if e.Body != nil {
		resp.Body = append([]byte(nil), e.Body...)
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return resp
}

// CacheStore is the backing storage of a CachePlugin. Get counts a hit and
// refreshes recency; Peek does neither. Neither returns expired entries.
// Set evicts the least recently accessed entry when full.
type CacheStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Peek(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

type lruNode struct {
	entry *CacheEntry
	prev  *lruNode
	next  *lruNode
}

// MemoryStore is an in-process CacheStore with LRU eviction.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*lruNode
	head       *lruNode
	tail       *lruNode
	now        func() time.Time
	evictions  int64
}

// NewMemoryStore creates a store holding at most maxEntries entries;
// maxEntries <= 0 means unbounded.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		maxEntries: maxEntries,
		items:      make(map[string]*lruNode),
		now:        time.Now,
	}
}

// Get returns a copy of the entry for key and marks it most recently used.
func (s *MemoryStore) Get(_ context.Context, key string) (*CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	now := s.now()
	if node.entry.Expired(now) {
		s.removeNode(node)
		return nil, false, nil
	}

	node.entry.Hits++
	node.entry.LastAccess = now
	s.unlink(node)
	s.pushFront(node)
	return node.entry.Clone(), true, nil
}

// Peek returns a copy of the entry for key without touching its recency.
func (s *MemoryStore) Peek(_ context.Context, key string) (*CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.items[key]
	if !ok || node.entry.Expired(s.now()) {
		return nil, false, nil
	}
	return node.entry.Clone(), true, nil
}

// Set stores a copy of entry, evicting the least recently used entry when full.
func (s *MemoryStore) Set(_ context.Context, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := entry.Clone()
	if node, ok := s.items[entry.Key]; ok {
		node.entry = stored
		s.unlink(node)
		s.pushFront(node)
		return nil
	}

	if s.maxEntries > 0 && len(s.items) >= s.maxEntries {
		s.evict()
	}

	node := &lruNode{entry: stored}
	s.items[entry.Key] = node
	s.pushFront(node)
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.items[key]; ok {
		s.removeNode(node)
	}
	return nil
}

// Keys returns stored keys, most recently used first.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.items))
	for node := s.head; node != nil; node = node.next {
		keys = append(keys, node.entry.Key)
	}
	return keys, nil
}

// Len returns the number of stored entries, expired ones included until read.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*lruNode)
	s.head = nil
	s.tail = nil
	return nil
}

// Evictions returns the number of entries removed under capacity pressure.
func (s *MemoryStore) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

// evict removes the tail; among entries sharing the tail's access time the
// one with the fewest hits goes.
func (s *MemoryStore) evict() {
	victim := s.tail
	if victim == nil {
		return
	}
	for node := victim.prev; node != nil && node.entry.LastAccess.Equal(s.tail.entry.LastAccess); node = node.prev {
		if node.entry.Hits < victim.entry.Hits {
			victim = node
		}
	}
	s.removeNode(victim)
	s.evictions++
}

func (s *MemoryStore) removeNode(node *lruNode) {
	delete(s.items, node.entry.Key)
	s.unlink(node)
}

func (s *MemoryStore) pushFront(node *lruNode) {
	node.next = s.head
	node.prev = nil
	if s.head != nil {
		s.head.prev = node
	}
	s.head = node
	if s.tail == nil {
		s.tail = node
	}
}

func (s *MemoryStore) unlink(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else if s.head == node {
		s.head = node.next
	}

	if node.next != nil {
		node.next.prev = node.prev
	} else if s.tail == node {
		s.tail = node.prev
	}

	node.prev = nil
	node.next = nil
}
