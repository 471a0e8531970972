package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// NewMemoryStorage 构建进程内缓存，maxBytes 限制所有缓存正文的总字节数（<=0 表示不限）。
// 进程退出后内容丢失，适合测试或无磁盘的部署。
func NewMemoryStorage(maxBytes int64) Storage {
	return &memoryStorage{
		maxBytes: maxBytes,
		caches:   make(map[string]*memoryCache),
	}
}

type memoryStorage struct {
	maxBytes int64

	mu     sync.RWMutex
	order  []string
	caches map[string]*memoryCache
	used   int64
}

type memoryCache struct {
	storage *memoryStorage
	name    string
	entries map[Key]*memoryEntry
}

type memoryEntry struct {
	status   int
	header   http.Header
	body     []byte
	storedAt time.Time
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &memoryCache{storage: s, name: name, entries: make(map[Key]*memoryEntry)}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	for _, entry := range c.entries {
		s.used -= int64(len(entry.body))
	}
	delete(s.caches, name)
	idx := indexOf(s.order, name)
	s.order = append(s.order[:idx:idx], s.order[idx+1:]...)
	return true, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		if entry, ok := s.caches[name].entries[key]; ok {
			return entry.response(), nil
		}
	}
	return nil, ErrNotFound
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.response(), nil
}

func (c *memoryCache) Put(ctx context.Context, key Key, resp *Response) error {
	batch, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	if err := batch.Stage(ctx, key, resp); err != nil {
		_ = batch.Discard()
		return err
	}
	return batch.Commit()
}

func (c *memoryCache) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	c.storage.used -= int64(len(entry.body))
	delete(c.entries, key)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()
	keys := make([]Key, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}

func (c *memoryCache) Begin(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryBatch{cache: c, staged: make(map[Key]*memoryEntry)}, nil
}

type memoryBatch struct {
	cache *memoryCache

	mu     sync.Mutex
	staged map[Key]*memoryEntry
	closed bool
}

func (b *memoryBatch) Stage(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatchClosed
	}
	if _, dup := b.staged[key]; dup {
		b.mu.Unlock()
		return fmt.Errorf("duplicate request in batch: %s", key)
	}
	b.staged[key] = nil
	b.mu.Unlock()

	var buf bytes.Buffer
	var err error
	if resp.Body != nil {
		_, err = copyWithContext(ctx, &buf, resp.Body)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		delete(b.staged, key)
		return err
	}
	if b.closed {
		return ErrBatchClosed
	}
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	b.staged[key] = &memoryEntry{
		status:   resp.Status,
		header:   header,
		body:     buf.Bytes(),
		storedAt: time.Now().UTC(),
	}
	return nil
}

func (b *memoryBatch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBatchClosed
	}
	b.closed = true

	s := b.cache.storage
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.caches[b.cache.name] != b.cache {
		return fmt.Errorf("cache %s unavailable: deleted", b.cache.name)
	}

	delta := int64(0)
	for key, entry := range b.staged {
		if entry == nil {
			return fmt.Errorf("cache entry %s still staging", key)
		}
		delta += int64(len(entry.body))
		if previous, ok := b.cache.entries[key]; ok {
			delta -= int64(len(previous.body))
		}
	}
	if s.maxBytes > 0 && s.used+delta > s.maxBytes {
		return fmt.Errorf("%w: need %d bytes, limit %d", ErrQuotaExceeded, s.used+delta, s.maxBytes)
	}

	for key, entry := range b.staged {
		b.cache.entries[key] = entry
	}
	s.used += delta
	return nil
}

func (b *memoryBatch) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.staged = nil
	return nil
}

func (e *memoryEntry) response() *Response {
	return &Response{
		Status:   e.status,
		Header:   e.header.Clone(),
		Body:     io.NopCloser(bytes.NewReader(e.body)),
		Size:     int64(len(e.body)),
		StoredAt: e.storedAt,
	}
}
