package logging

import "github.com/sirupsen/logrus"

// FieldSite 是网关站点字段名，由 InitLogger 安装的 hook 自动补齐。
const FieldSite = "site"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供请求 URL、路由策略与命中来源字段，供拦截请求日志复用。
func FetchFields(requestID, method, url, strategy, source string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"action":    "fetch",
		"method":    method,
		"url":       url,
		"strategy":  strategy,
		"source":    source,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// LifecycleFields 记录生命周期事件与迁移前后的状态。
func LifecycleFields(action, from, to string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"from":   from,
		"to":     to,
	}
}

// JobFields 记录后台任务的触发来源（sync/periodic-sync）与 tag。
func JobFields(trigger, tag string) logrus.Fields {
	return logrus.Fields{
		"action":  "job",
		"trigger": trigger,
		"tag":     tag,
	}
}
