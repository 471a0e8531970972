package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileCachePutAndMatch(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	key := NewKey("", "https://app.example.com/index.html")

	header := http.Header{}
	header.Set("Content-Type", "text/html")
	if err := c.Put(context.Background(), key, testResponse(200, header, "<html></html>")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	resp, err := c.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != "<html></html>" {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if resp.Status != 200 {
		t.Fatalf("status mismatch: %d", resp.Status)
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("header mismatch: %v", resp.Header)
	}
	if resp.Size != int64(len(body)) {
		t.Fatalf("size mismatch: %d", resp.Size)
	}
	if resp.StoredAt.IsZero() {
		t.Fatalf("stored_at should be set")
	}
}

func TestFileCacheMatchMissing(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	_, err := c.Match(context.Background(), NewKey("GET", "https://app.example.com/missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileCacheMatchUsesMethod(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	key := NewKey("GET", "https://app.example.com/a.js")
	if err := c.Put(context.Background(), key, testResponse(200, nil, "js")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	_, err := c.Match(context.Background(), NewKey("POST", key.URL))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("POST should not match GET entry, got %v", err)
	}
}

func TestFileCacheDelete(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	key := NewKey("GET", "https://app.example.com/remove")
	if err := c.Put(context.Background(), key, testResponse(200, nil, "data")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	removed, err := c.Delete(context.Background(), key)
	if err != nil || !removed {
		t.Fatalf("expected removal, got %v %v", removed, err)
	}
	if _, err := c.Match(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	removed, err = c.Delete(context.Background(), key)
	if err != nil || removed {
		t.Fatalf("second delete should be a no-op, got %v %v", removed, err)
	}
}

func TestFileCacheIgnoresDirectories(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	key := NewKey("GET", "https://app.example.com/dir")

	fc, ok := c.(*fileCache)
	if !ok {
		t.Fatalf("unexpected cache type %T", c)
	}
	if err := os.MkdirAll(filepath.Join(fc.dir, key.Digest()+metaSuffix), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := c.Match(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestFileBatchCommitIsAllOrNothing(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	ctx := context.Background()

	batch, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	first := NewKey("GET", "https://app.example.com/a.js")
	second := NewKey("GET", "https://app.example.com/a.wasm")
	if err := batch.Stage(ctx, first, testResponse(200, nil, "a")); err != nil {
		t.Fatalf("stage error: %v", err)
	}
	if err := batch.Stage(ctx, second, testResponse(200, nil, "b")); err != nil {
		t.Fatalf("stage error: %v", err)
	}

	if _, err := c.Match(ctx, first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("staged entry must stay invisible before commit, got %v", err)
	}

	if err := batch.Commit(); err != nil {
		t.Fatalf("commit error: %v", err)
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 2 || keys[0] != first || keys[1] != second {
		t.Fatalf("unexpected keys after commit: %v", keys)
	}
	if err := batch.Commit(); !errors.Is(err, ErrBatchClosed) {
		t.Fatalf("second commit should fail with ErrBatchClosed, got %v", err)
	}
}

func TestFileBatchDiscardLeavesCacheUntouched(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	ctx := context.Background()
	existing := NewKey("GET", "https://app.example.com/")
	if err := c.Put(ctx, existing, testResponse(200, nil, "v1")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	batch, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	if err := batch.Stage(ctx, existing, testResponse(200, nil, "v2")); err != nil {
		t.Fatalf("stage error: %v", err)
	}
	if err := batch.Discard(); err != nil {
		t.Fatalf("discard error: %v", err)
	}

	if got := readBody(t, c, existing); got != "v1" {
		t.Fatalf("discarded batch must not replace entry, got %s", got)
	}
	fc := c.(*fileCache)
	entries, _ := os.ReadDir(fc.dir)
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), stagingPrefix) {
			t.Fatalf("staging dir should be removed: %s", entry.Name())
		}
	}
}

func TestFileBatchRejectsDuplicateKeys(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	ctx := context.Background()
	batch, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	defer batch.Discard()
	key := NewKey("GET", "https://app.example.com/a.js")
	if err := batch.Stage(ctx, key, testResponse(200, nil, "a")); err != nil {
		t.Fatalf("stage error: %v", err)
	}
	if err := batch.Stage(ctx, key, testResponse(200, nil, "a")); err == nil {
		t.Fatalf("duplicate stage should fail")
	}
}

func TestFilePutReplacesEntry(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	ctx := context.Background()
	key := NewKey("GET", "https://app.example.com/a.js")
	for _, body := range []string{"one", "two"} {
		if err := c.Put(ctx, key, testResponse(200, nil, body)); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}
	if got := readBody(t, c, key); got != "two" {
		t.Fatalf("expected latest body, got %s", got)
	}
	fc := c.(*fileCache)
	matches, _ := filepath.Glob(filepath.Join(fc.dir, "*.body"))
	if len(matches) != 1 {
		t.Fatalf("replaced body files should be removed, found %v", matches)
	}
}

func TestFileStorageNamesPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("open %s error: %v", name, err)
		}
	}
	key := NewKey("GET", "https://app.example.com/a.js")
	c, _ := storage.Open(ctx, "zeta")
	if err := c.Put(ctx, key, testResponse(200, nil, "kept")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	reopened, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	names, err := reopened.Names(ctx)
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if len(names) != 2 || names[0] != "zeta" || names[1] != "alpha" {
		t.Fatalf("creation order should persist, got %v", names)
	}
	resp, err := reopened.Match(ctx, key)
	if err != nil {
		t.Fatalf("match after reopen error: %v", err)
	}
	resp.Close()
}

func TestFileStorageMatchSearchesCachesInOrder(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	key := NewKey("GET", "https://app.example.com/index.html")

	older := openTestCache(t, storage, "older")
	newer := openTestCache(t, storage, "newer")
	if err := newer.Put(ctx, key, testResponse(200, nil, "newer")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := older.Put(ctx, key, testResponse(200, nil, "older")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	resp, err := storage.Match(ctx, key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Close()
	if string(body) != "older" {
		t.Fatalf("first created cache should win, got %s", string(body))
	}

	if _, err := storage.Match(ctx, NewKey("GET", "https://app.example.com/none")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStorageDelete(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	c := openTestCache(t, storage, "app-v1")
	key := NewKey("GET", "https://app.example.com/")
	if err := c.Put(ctx, key, testResponse(200, nil, "x")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	deleted, err := storage.Delete(ctx, "app-v1")
	if err != nil || !deleted {
		t.Fatalf("expected delete, got %v %v", deleted, err)
	}
	if ok, _ := storage.Has(ctx, "app-v1"); ok {
		t.Fatalf("cache should be gone")
	}
	if _, err := storage.Match(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entries should be gone with cache, got %v", err)
	}
	deleted, err = storage.Delete(ctx, "app-v1")
	if err != nil || deleted {
		t.Fatalf("second delete should report false, got %v %v", deleted, err)
	}
}

func TestFileStorageRejectsInvalidNames(t *testing.T) {
	storage := newTestStorage(t)
	for _, name := range []string{"", "..", "a/b", ".hidden", " padded"} {
		if _, err := storage.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

// newTestStorage returns a Storage backed by a temporary directory.
func newTestStorage(t *testing.T) Storage {
	t.Helper()
	storage, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}

func openTestCache(t *testing.T, storage Storage, name string) Cache {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to open cache %s: %v", name, err)
	}
	return c
}

func testResponse(status int, header http.Header, body string) *Response {
	return &Response{
		Status: status,
		Header: header,
		Body:   io.NopCloser(strings.NewReader(body)),
		Size:   int64(len(body)),
	}
}

func readBody(t *testing.T, c Cache, key Key) string {
	t.Helper()
	resp, err := c.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("match %s error: %v", key, err)
	}
	defer resp.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s error: %v", key, err)
	}
	return string(body)
}

func TestFileBatchCommitFailureRollsBackPublishedEntries(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	keyA := NewKey("", "https://app.example.com/a.js")
	keyB := NewKey("", "https://app.example.com/b.js")
	fc := c.(*fileCache)

	blocked := filepath.Join(fc.dir, keyB.Digest()+metaSuffix)
	if err := os.MkdirAll(filepath.Join(blocked, "occupied"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	batch, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	for _, key := range []Key{keyA, keyB} {
		if err := batch.Stage(context.Background(), key, testResponse(200, nil, key.URL)); err != nil {
			t.Fatalf("stage %s error: %v", key, err)
		}
	}
	if err := batch.Commit(); err == nil {
		t.Fatalf("expected commit to fail when an entry path is obstructed")
	}

	if _, err := c.Match(context.Background(), keyA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed commit must not leave %s visible, got %v", keyA, err)
	}
	keys, err := c.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("failed commit must not leave entries, got %v", keys)
	}
	assertNoOrphanBodies(t, fc.dir)
}

func TestFileBatchCommitFailureRestoresReplacedEntries(t *testing.T) {
	c := openTestCache(t, newTestStorage(t), "app-v1")
	keyA := NewKey("", "https://app.example.com/a.js")
	keyB := NewKey("", "https://app.example.com/b.js")
	fc := c.(*fileCache)

	if err := c.Put(context.Background(), keyA, testResponse(200, nil, "old a")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(fc.dir, keyB.Digest()+metaSuffix, "occupied"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	batch, _ := c.Begin(context.Background())
	_ = batch.Stage(context.Background(), keyA, testResponse(200, nil, "new a"))
	_ = batch.Stage(context.Background(), keyB, testResponse(200, nil, "new b"))
	if err := batch.Commit(); err == nil {
		t.Fatalf("expected commit to fail")
	}

	if got := readBody(t, c, keyA); got != "old a" {
		t.Fatalf("previous entry should be restored, got %q", got)
	}
}

func TestFileStorageRecoversInterruptedCommit(t *testing.T) {
	base := t.TempDir()
	storage, err := NewFileStorage(base)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	c := openTestCache(t, storage, "app-v1")
	keyA := NewKey("", "https://app.example.com/a.js")
	keyB := NewKey("", "https://app.example.com/b.js")
	if err := c.Put(context.Background(), keyA, testResponse(200, nil, "old a")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	batch, _ := c.Begin(context.Background())
	_ = batch.Stage(context.Background(), keyA, testResponse(200, nil, "new a"))
	_ = batch.Stage(context.Background(), keyB, testResponse(200, nil, "new b"))

	// 模拟进程在发布完成、删除提交日志之前退出。
	fb := batch.(*fileBatch)
	var entries []journalEntry
	for digest, meta := range fb.staged {
		entries = append(entries, journalEntry{Digest: digest, BodyFile: meta.BodyFile})
	}
	if err := writeJournal(fb.staging, entries); err != nil {
		t.Fatalf("write journal error: %v", err)
	}
	if err := publishEntries(fb.cache.dir, fb.staging, entries); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	reopened, err := NewFileStorage(base)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	rc := openTestCache(t, reopened, "app-v1")
	if got := readBody(t, rc, keyA); got != "old a" {
		t.Fatalf("interrupted commit should be rolled back, got %q", got)
	}
	if _, err := rc.Match(context.Background(), keyB); !errors.Is(err, ErrNotFound) {
		t.Fatalf("interrupted commit must not leave %s visible, got %v", keyB, err)
	}
	if _, err := os.Stat(fb.staging); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staging dir should be removed after recovery, got %v", err)
	}
}

func assertNoOrphanBodies(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.body"))
	if err != nil {
		t.Fatalf("glob error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("unexpected body files left behind: %v", matches)
	}
}
