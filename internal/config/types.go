package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储驱动。
const (
	StorageDriverDisk   = "disk"
	StorageDriverMemory = "memory"
)

// 支持的日志格式。
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// GlobalConfig 描述全局运行时行为，所有 Worker 共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFormat          string   `mapstructure:"LogFormat"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	MaxMemoryCache     int64    `mapstructure:"MaxMemoryCacheSize"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallTimeout     Duration `mapstructure:"InstallTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// WorkerConfig 描述单个离线缓存 worker：它代理的应用、缓存名称与预缓存清单。
type WorkerConfig struct {
	Name      string   `mapstructure:"Name"`
	Domain    string   `mapstructure:"Domain"`
	Upstream  string   `mapstructure:"Upstream"`
	Proxy     string   `mapstructure:"Proxy"`
	CacheName string   `mapstructure:"CacheName"`
	Manifest  []string `mapstructure:"Manifest"`
	Username  string   `mapstructure:"Username"`
	Password  string   `mapstructure:"Password"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Workers []WorkerConfig `mapstructure:"Worker"`
}

// HasCredentials 表示当前 Worker 是否配置了完整的上游凭证。
func (w WorkerConfig) HasCredentials() bool {
	return w.Username != "" && w.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (w WorkerConfig) AuthMode() string {
	if w.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// EffectiveCacheName 返回生效的缓存名称，未配置时回退到 Worker 名称。
func (w WorkerConfig) EffectiveCacheName() string {
	if name := strings.TrimSpace(w.CacheName); name != "" {
		return name
	}
	return w.Name
}

// CredentialModes 返回所有 Worker 的鉴权模式摘要，例如 app:credentialed。
func CredentialModes(workers []WorkerConfig) []string {
	if len(workers) == 0 {
		return nil
	}
	result := make([]string, len(workers))
	for i, w := range workers {
		result[i] = fmt.Sprintf("%s:%s", w.Name, w.AuthMode())
	}
	return result
}

// ManifestSizes 汇总每个 Worker 的预缓存条目数量，例如 app:4。
func ManifestSizes(workers []WorkerConfig) []string {
	if len(workers) == 0 {
		return nil
	}
	result := make([]string, len(workers))
	for i, w := range workers {
		result[i] = fmt.Sprintf("%s:%d", w.Name, len(w.Manifest))
	}
	return result
}
