package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root 不受目录权限限制")
	}
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "swcache.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swcache.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestInitLoggerTextFormat(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "warn", LogFormat: "text"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if _, ok := logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("LogFormat=text 应使用 TextFormatter，得到 %T", logger.Formatter)
	}
	if logger.GetLevel() != logrus.WarnLevel {
		t.Fatalf("日志级别应为 warn，得到 %s", logger.GetLevel())
	}
}

func TestInitLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "info", LogFormat: "xml"}); err == nil {
		t.Fatalf("未知日志格式应报错")
	}
}

func TestRequestFieldsMarksCacheHit(t *testing.T) {
	fields := RequestFields("app", "app.local", "app-v1", "anonymous", "cache")
	if fields["cache_hit"] != true {
		t.Fatalf("source=cache 应标记 cache_hit，得到 %v", fields["cache_hit"])
	}
	fields = RequestFields("app", "app.local", "app-v1", "anonymous", "network")
	if fields["cache_hit"] != false {
		t.Fatalf("source=network 不应标记 cache_hit")
	}
}
