package cache

import (
	"encoding/hex"
	"net/http"
	"strings"

	sha256 "github.com/minio/sha256-simd"
)

// Key 是请求标识：方法 + 绝对 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法名（默认 GET）后构造 Key。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: rawURL}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Digest 返回 Key 的 SHA-256 十六进制摘要，用作磁盘文件名。
func (k Key) Digest() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// ValidName 检查缓存名称能否安全地作为单级目录名。
func ValidName(name string) bool {
	if strings.TrimSpace(name) != name || name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
