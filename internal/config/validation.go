package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/worker"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.LogFormat {
	case "", LogFormatJSON, LogFormatText:
	default:
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	switch g.StorageDriver {
	case StorageDriverDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageDriverMemory:
		if g.MaxMemoryCache <= 0 {
			return newFieldError("Global.MaxMemoryCacheSize", "必须大于 0")
		}
	default:
		return newFieldError("Global.StorageDriver", "仅支持 disk/memory")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallTimeout.DurationValue() <= 0 {
		return newFieldError("Global.InstallTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	if len(c.Workers) == 0 {
		return errors.New("至少需要配置一个 Worker")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Workers {
		w := &c.Workers[i]
		if w.Name == "" {
			return newFieldError("Worker[].Name", "不能为空")
		}
		if !cache.ValidName(w.Name) {
			return newFieldError(workerField(w.Name, "Name"), "不能包含路径分隔符或以 . 开头")
		}
		if _, exists := seenNames[w.Name]; exists {
			return newFieldError(workerField(w.Name, "Name"), "重复")
		}
		seenNames[w.Name] = struct{}{}

		if err := validateDomain(w.Domain); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Domain"), err)
		}
		domain := strings.ToLower(strings.TrimSuffix(w.Domain, "."))
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(workerField(w.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if (w.Username == "") != (w.Password == "") {
			return newFieldError(workerField(w.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(w.Upstream); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Upstream"), err)
		}
		if w.Proxy != "" {
			if err := validateUpstream(w.Proxy); err != nil {
				return fmt.Errorf("%s: %w", workerField(w.Name, "Proxy"), err)
			}
		}

		if !cache.ValidName(w.EffectiveCacheName()) {
			return newFieldError(workerField(w.Name, "CacheName"), "不能包含路径分隔符或以 . 开头")
		}

		for i, entry := range w.Manifest {
			if strings.TrimSpace(entry) == "" {
				return newFieldError(workerField(w.Name, "Manifest"), fmt.Sprintf("第 %d 个条目不能为空", i+1))
			}
		}

		scope, _ := url.Parse(w.Upstream)
		if _, err := worker.Manifest(w.Manifest).Resolve(scope); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Manifest"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
