package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 worker/domain/缓存名称/响应来源字段，供代理请求日志复用。
func RequestFields(worker, domain, cacheName, authMode, source string) logrus.Fields {
	return logrus.Fields{
		"worker":     worker,
		"domain":     domain,
		"cache_name": cacheName,
		"auth_mode":  authMode,
		"source":     source,
		"cache_hit":  source == "cache",
	}
}
