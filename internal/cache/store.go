package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Storage 对应单个 origin 下的全部命名缓存，由宿主环境提供，可被同源 worker 共享。
type Storage interface {
	// Open 按名称打开缓存，不存在时惰性创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断指定名称的缓存是否已经存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个命名缓存，不存在时返回 false。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 按创建顺序返回所有缓存名称。
	Names(ctx context.Context) ([]string, error)

	// Match 按创建顺序在所有缓存中查找第一个命中的响应。若均未命中则返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)
}

// Cache 是一个命名的 key-value 存储：请求标识 → 已存储响应。
type Cache interface {
	Name() string

	// Match 返回与 key 对应的响应，调用方负责关闭 Body。不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 写入单个条目，并在写入完成前消费 resp.Body。
	Put(ctx context.Context, key Key, resp *Response) error

	// Delete 删除单个条目，不存在时返回 false。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 返回当前缓存中所有条目的请求标识，按 URL 排序。
	Keys(ctx context.Context) ([]Key, error)

	// Begin 开启一个批量写入：所有 Stage 的条目只有在 Commit 时才对 Match 可见。
	Begin(ctx context.Context) (Batch, error)
}

// Batch 暂存一组条目并一次性发布。Stage 可被多个 goroutine 并发调用。
type Batch interface {
	Stage(ctx context.Context, key Key, resp *Response) error
	Commit() error
	Discard() error
}

// Response 描述一次已缓存或来自网络的响应。Size 为 -1 表示长度未知。
type Response struct {
	Status   int
	Header   http.Header
	Body     io.ReadCloser
	Size     int64
	StoredAt time.Time
}

// OK 与 fetch 规范一致：状态码位于 200-299 视为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Close 关闭响应正文，允许在 nil 或无正文时调用。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrQuotaExceeded 表示写入会超过存储容量上限。
	ErrQuotaExceeded = errors.New("cache quota exceeded")
	// ErrBatchClosed 表示 Batch 已经提交或丢弃。
	ErrBatchClosed = errors.New("cache batch already closed")
	// ErrInvalidName 表示缓存名称无法映射到存储布局。
	ErrInvalidName = errors.New("invalid cache name")
)
