package config

import (
	"errors"
	"strings"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[Worker]]
Name = "app"
Domain = "app.local"
Upstream = "https://app.example.com/"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsWorkerLevelPort(t *testing.T) {
	cfg := `
[[Worker]]
Name = "app"
Domain = "app.local"
Upstream = "https://app.example.com/"
Port = 6000
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "Worker[app].Port") {
		t.Fatalf("Worker 级 Port 应被拒绝，得到 %v", err)
	}
}

func TestLoadDefaultsCacheNameAndTrimsManifest(t *testing.T) {
	cfg := `
StorageDriver = "MEMORY"

[[Worker]]
Name = "app"
Domain = "app.local"
Upstream = "https://app.example.com/"
Manifest = [" ./index.html ", "app.js"]
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.StorageDriver != StorageDriverMemory {
		t.Fatalf("StorageDriver 应规范化为小写，得到 %s", loaded.Global.StorageDriver)
	}
	w := loaded.Workers[0]
	if w.CacheName != "app" {
		t.Fatalf("CacheName 应默认为 Worker 名称，得到 %s", w.CacheName)
	}
	if len(w.Manifest) != 2 || w.Manifest[0] != "./index.html" || w.Manifest[1] != "app.js" {
		t.Fatalf("Manifest 条目应去除首尾空白，得到 %v", w.Manifest)
	}
}

func TestLoadRejectsEmptyManifestEntry(t *testing.T) {
	cfg := `
StorageDriver = "MEMORY"

[[Worker]]
Name = "app"
Domain = "app.local"
Upstream = "https://app.example.com/"
Manifest = ["./index.html", "  "]
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("空 Manifest 条目应返回 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Worker[app].Manifest" {
		t.Fatalf("unexpected field path: %s", fieldErr.Field)
	}
}
