package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// AppFields 提供 app/动作字段，供生命周期与协调流程日志复用。
func AppFields(app, action string) logrus.Fields {
	return logrus.Fields{
		"app":    app,
		"action": action,
	}
}

// RequestFields 提供 app/key/命中来源字段，供请求日志复用。
func RequestFields(app, key, source, requestID string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"app":        app,
		"key":        key,
		"source":     source,
		"cache_hit":  cacheHit,
		"request_id": requestID,
	}
}
