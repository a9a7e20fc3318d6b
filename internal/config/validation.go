package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if err := validateHost(g.ListenHost); err != nil {
		return fmt.Errorf("Global.ListenHost: %w", err)
	}
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.DownloadTimeout.DurationValue() <= 0 {
		return newFieldError("Global.DownloadTimeout", "必须大于 0")
	}

	f := c.Forward
	if err := validateUpstream(f.Registry); err != nil {
		return fmt.Errorf("%s: %w", forwardField("Registry"), err)
	}
	if f.Proxy != "" {
		if err := validateUpstream(f.Proxy); err != nil {
			return fmt.Errorf("%s: %w", forwardField("Proxy"), err)
		}
	}
	if strings.ContainsAny(f.UserAgent, "\r\n") {
		return newFieldError(forwardField("UserAgent"), "不允许包含换行")
	}

	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("ListenHost 不能为空")
	}
	if strings.Contains(host, "/") {
		return errors.New("ListenHost 不允许包含路径")
	}
	if strings.Contains(host, " ") {
		return errors.New("ListenHost 不允许包含空格")
	}
	if strings.HasPrefix(host, "http") && strings.Contains(host, "://") {
		return errors.New("ListenHost 不应包含协议头")
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
