package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// EventFields 提供生命周期事件 + 缓存版本字段，install/activate 日志复用。
func EventFields(event, version string) logrus.Fields {
	return logrus.Fields{
		"action":  event,
		"event":   event,
		"version": version,
	}
}

// RequestFields 提供 fetch 请求的方法/URL/缓存状态字段，供代理请求日志复用。
func RequestFields(version, method, url, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"action":       "fetch",
		"version":      version,
		"method":       method,
		"url":          url,
		"cache_status": cacheStatus,
	}
}
