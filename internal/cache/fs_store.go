package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	indexFileName = "caches.json"
	stagingPrefix = ".staging-"
	metaSuffix    = ".json"

	journalFileName = "commit.journal"
	backupSuffix    = ".prev"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，通常每个 worker 一个目录。
// 磁盘布局：
//
//	<basePath>/caches.json                    # 缓存名称（按创建顺序）
//	<basePath>/<cache>/<digest>.json          # 条目元数据（Key/状态码/响应头）
//	<basePath>/<cache>/<digest>-<rand>.body   # 响应正文
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStorage{
		basePath: abs,
		caches:   make(map[string]*fileCache),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// fileStorage 维护缓存名称索引；每个 fileCache 自带读写锁，保证批量提交对 Match 原子可见。
type fileStorage struct {
	basePath string

	mu     sync.Mutex
	order  []string
	caches map[string]*fileCache
}

type fileCache struct {
	name string
	dir  string

	rw sync.RWMutex
}

type entryMeta struct {
	Key      Key         `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Size     int64       `json:"size"`
	BodyFile string      `json:"body_file"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
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

	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	recoverStaging(dir)

	c := &fileCache{name: name, dir: dir}
	if !containsName(s.order, name) {
		s.order = append(s.order, name)
		if err := s.saveIndex(); err != nil {
			s.order = s.order[:len(s.order)-1]
			return nil, err
		}
	}
	s.caches[name] = c
	return c, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsName(s.order, name), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.order, name)
	if idx < 0 {
		return false, nil
	}

	c := s.caches[name]
	if c != nil {
		c.rw.Lock()
		defer c.rw.Unlock()
	}

	s.order = append(s.order[:idx:idx], s.order[idx+1:]...)
	delete(s.caches, name)
	if err := s.saveIndex(); err != nil {
		return false, err
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
		return false, fmt.Errorf("remove cache dir: %w", err)
	}
	return true, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

func (s *fileStorage) Match(ctx context.Context, key Key) (*Response, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c, err := s.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		resp, err := c.Match(ctx, key)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStorage) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.order); err != nil {
			return fmt.Errorf("decode cache index: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("read cache index: %w", err)
	}

	// 索引缺失的目录（例如手工拷贝进来的缓存）追加在末尾。
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return fmt.Errorf("scan storage path: %w", err)
	}
	var extra []string
	for _, entry := range entries {
		if entry.IsDir() && ValidName(entry.Name()) && !containsName(s.order, entry.Name()) {
			extra = append(extra, entry.Name())
		}
	}
	sort.Strings(extra)
	s.order = append(s.order, extra...)

	kept := s.order[:0]
	for _, name := range s.order {
		if info, err := os.Stat(filepath.Join(s.basePath, name)); err == nil && info.IsDir() {
			kept = append(kept, name)
		}
	}
	s.order = kept
	return nil
}

func (s *fileStorage) saveIndex() error {
	data, err := json.Marshal(s.order)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.basePath, indexFileName), data)
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, key Key) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c.rw.RLock()
	defer c.rw.RUnlock()

	meta, err := c.readMeta(key.Digest())
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	f, err := os.Open(filepath.Join(c.dir, meta.BodyFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Response{
		Status:   meta.Status,
		Header:   meta.Header.Clone(),
		Body:     f,
		Size:     meta.Size,
		StoredAt: meta.StoredAt,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, key Key, resp *Response) error {
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

func (c *fileCache) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	digest := key.Digest()
	meta, err := c.readMeta(digest)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.Remove(filepath.Join(c.dir, digest+metaSuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.Remove(filepath.Join(c.dir, meta.BodyFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.rw.RLock()
	defer c.rw.RUnlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var keys []Key
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := c.readMeta(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (c *fileCache) Begin(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(c.dir, stagingPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &fileBatch{
		cache:   c,
		staging: staging,
		staged:  make(map[string]*entryMeta),
	}, nil
}

func (c *fileCache) readMeta(digest string) (*entryMeta, error) {
	metaPath := filepath.Join(c.dir, digest+metaSuffix)
	info, err := os.Stat(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", digest, err)
	}
	if meta.BodyFile == "" || filepath.Base(meta.BodyFile) != meta.BodyFile {
		return nil, fmt.Errorf("cache entry %s: invalid body reference", digest)
	}
	return &meta, nil
}

// fileBatch 先把正文和元数据写入私有 staging 目录，Commit 时在缓存写锁内发布。
// 发布失败会回滚已替换的条目，Match 只会看到整批旧条目或整批新条目。
type fileBatch struct {
	cache   *fileCache
	staging string

	mu     sync.Mutex
	staged map[string]*entryMeta
	closed bool
}

func (b *fileBatch) Stage(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	digest := key.Digest()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatchClosed
	}
	if _, dup := b.staged[digest]; dup {
		b.mu.Unlock()
		return fmt.Errorf("duplicate request in batch: %s", key)
	}
	b.staged[digest] = nil
	b.mu.Unlock()

	meta, err := b.writeStaged(ctx, digest, key, resp)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		delete(b.staged, digest)
		return err
	}
	if b.closed {
		return ErrBatchClosed
	}
	b.staged[digest] = meta
	return nil
}

func (b *fileBatch) writeStaged(ctx context.Context, digest string, key Key, resp *Response) (*entryMeta, error) {
	bodyFile, err := os.CreateTemp(b.staging, digest+"-*.body")
	if err != nil {
		return nil, err
	}
	bodyName := bodyFile.Name()

	var written int64
	if resp.Body != nil {
		written, err = copyWithContext(ctx, bodyFile, resp.Body)
	}
	closeErr := bodyFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(bodyName)
		return nil, err
	}

	meta := &entryMeta{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Size:     written,
		BodyFile: filepath.Base(bodyName),
		StoredAt: time.Now().UTC(),
	}
	if meta.Header == nil {
		meta.Header = http.Header{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		os.Remove(bodyName)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(b.staging, digest+metaSuffix), data, 0o644); err != nil {
		os.Remove(bodyName)
		return nil, err
	}
	return meta, nil
}

func (b *fileBatch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBatchClosed
	}
	b.closed = true
	defer os.RemoveAll(b.staging)

	entries := make([]journalEntry, 0, len(b.staged))
	for digest, meta := range b.staged {
		if meta == nil {
			return fmt.Errorf("cache entry %s still staging", digest)
		}
		entries = append(entries, journalEntry{Digest: digest, BodyFile: meta.BodyFile})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Digest < entries[j].Digest })

	c := b.cache
	c.rw.Lock()
	defer c.rw.Unlock()

	if _, err := os.Stat(c.dir); err != nil {
		return fmt.Errorf("cache %s unavailable: %w", c.name, err)
	}

	var replaced []string
	for _, entry := range entries {
		if previous, err := c.readMeta(entry.Digest); err == nil && previous.BodyFile != entry.BodyFile {
			replaced = append(replaced, previous.BodyFile)
		}
	}

	// 日志写入后才开始发布；进程在发布途中退出时，下次 Open 依据日志回滚。
	if err := writeJournal(b.staging, entries); err != nil {
		return fmt.Errorf("write commit journal: %w", err)
	}
	if err := publishEntries(c.dir, b.staging, entries); err != nil {
		rollbackEntries(c.dir, b.staging, entries)
		return err
	}
	// 删除日志即提交点。
	if err := os.Remove(filepath.Join(b.staging, journalFileName)); err != nil {
		rollbackEntries(c.dir, b.staging, entries)
		return fmt.Errorf("finish commit: %w", err)
	}

	for _, bodyFile := range replaced {
		os.Remove(filepath.Join(c.dir, bodyFile))
	}
	return nil
}

// journalEntry 记录批次中的一个条目，用于回滚未完成的提交。
type journalEntry struct {
	Digest   string `json:"digest"`
	BodyFile string `json:"body_file"`
}

func writeJournal(staging string, entries []journalEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(staging, journalFileName), data)
}

// publishEntries 先移动全部正文（文件名唯一，不覆盖旧条目），再逐条替换元数据；
// 被替换的旧元数据备份到 staging 中的 <digest>.prev。
func publishEntries(dir, staging string, entries []journalEntry) error {
	for _, entry := range entries {
		if err := os.Rename(filepath.Join(staging, entry.BodyFile), filepath.Join(dir, entry.BodyFile)); err != nil {
			return fmt.Errorf("commit body %s: %w", entry.Digest, err)
		}
	}
	for _, entry := range entries {
		target := filepath.Join(dir, entry.Digest+metaSuffix)
		if info, err := os.Lstat(target); err == nil && info.Mode().IsRegular() {
			if err := os.Rename(target, filepath.Join(staging, entry.Digest+backupSuffix)); err != nil {
				return fmt.Errorf("backup entry %s: %w", entry.Digest, err)
			}
		}
		if err := os.Rename(filepath.Join(staging, entry.Digest+metaSuffix), target); err != nil {
			return fmt.Errorf("commit entry %s: %w", entry.Digest, err)
		}
	}
	return nil
}

// rollbackEntries 撤销 publishEntries 的部分结果：恢复备份的旧元数据，移除新发布的元数据与正文。
func rollbackEntries(dir, staging string, entries []journalEntry) {
	for _, entry := range entries {
		target := filepath.Join(dir, entry.Digest+metaSuffix)
		backup := filepath.Join(staging, entry.Digest+backupSuffix)
		if _, err := os.Lstat(backup); err == nil {
			os.Rename(backup, target)
		} else if bodyFile, err := metaBodyFile(target); err == nil && bodyFile == entry.BodyFile {
			os.Remove(target)
		}
		os.Remove(filepath.Join(dir, entry.BodyFile))
	}
}

func metaBodyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", err
	}
	return meta.BodyFile, nil
}

func (b *fileBatch) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return os.RemoveAll(b.staging)
}

// recoverStaging 清理上次进程遗留的 staging 目录；带提交日志的目录说明提交中断，先回滚再删除。
func recoverStaging(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), stagingPrefix) {
			continue
		}
		staging := filepath.Join(dir, entry.Name())
		if data, err := os.ReadFile(filepath.Join(staging, journalFileName)); err == nil {
			var journal []journalEntry
			if json.Unmarshal(data, &journal) == nil {
				rollbackEntries(dir, staging, journal)
			}
		}
		os.RemoveAll(staging)
	}
}

func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
}

func containsName(names []string, name string) bool {
	return indexOf(names, name) >= 0
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
