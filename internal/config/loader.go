package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectWorkerLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Workers {
		applyWorkerDefaults(&cfg.Workers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", LogFormatJSON)
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverDisk)
	v.SetDefault("MaxMemoryCacheSize", 256*1024*1024)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallTimeout", "2m")
	v.SetDefault("InstallConcurrency", 4)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = LogFormatJSON
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverDisk
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallTimeout.DurationValue() == 0 {
		g.InstallTimeout = Duration(2 * time.Minute)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = 4
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Name = strings.TrimSpace(w.Name)
	w.CacheName = w.EffectiveCacheName()
	for i, entry := range w.Manifest {
		w.Manifest[i] = strings.TrimSpace(entry)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectWorkerLevelPorts 拒绝 Worker 表内的 Port 字段，所有 Worker 共用全局 ListenPort。
func rejectWorkerLevelPorts(v *viper.Viper) error {
	raw := v.Get("Worker")
	workers, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range workers {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := lookupFold(m, "Port"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok && rawName != nil && fmt.Sprint(rawName) != "" {
				name = fmt.Sprint(rawName)
			}
			return newFieldError(workerField(name, "Port"), "不支持单独端口，请使用全局 ListenPort")
		}
	}

	return nil
}

// lookupFold 忽略大小写读取 map 键，viper 对数组内的表不做统一小写处理。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

