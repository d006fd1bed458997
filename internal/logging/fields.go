package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供版本/策略/来源字段，供请求日志复用。
func FetchFields(version, strategy, source string, status int) logrus.Fields {
	return logrus.Fields{
		"action":   "fetch",
		"version":  version,
		"strategy": strategy,
		"source":   source,
		"status":   status,
	}
}

// LifecycleFields 标记版本生命周期迁移，便于追踪 install/activate 顺序。
func LifecycleFields(action, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
		"state":   state,
	}
}
