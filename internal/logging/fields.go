package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求级字段，供访问日志与 handler 错误日志复用。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	fields := logrus.Fields{
		"method": method,
		"path":   path,
		"status": status,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// PackageFields 描述一次 registry 操作涉及的包与附件。
func PackageFields(action, name, attachment string) logrus.Fields {
	fields := logrus.Fields{
		"action":  action,
		"package": name,
	}
	if attachment != "" {
		fields["attachment"] = attachment
	}
	return fields
}
