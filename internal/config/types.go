package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听地址、registry 根目录、日志与上游超时。
type GlobalConfig struct {
	ListenHost      string   `mapstructure:"ListenHost"`
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	DownloadTimeout Duration `mapstructure:"DownloadTimeout"`
}

// ForwardConfig 决定 metadata/tarball 未命中时如何回源。
type ForwardConfig struct {
	Registry    string `mapstructure:"Registry"`
	Proxy       string `mapstructure:"Proxy"`
	AutoForward bool   `mapstructure:"AutoForward"`
	UserAgent   string `mapstructure:"UserAgent"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Forward ForwardConfig `mapstructure:"Forward"`
}

// ListenAddr 返回 Fiber 监听地址 host:port。
func (g GlobalConfig) ListenAddr() string {
	return net.JoinHostPort(g.ListenHost, strconv.Itoa(g.ListenPort))
}

// PublicBaseURL 返回写入代理 tarball 地址的前缀，例如 http://localhost:5000。
func (g GlobalConfig) PublicBaseURL() string {
	return "http://" + g.ListenAddr()
}

// ProxyMode 输出 `direct` 或 `http-proxy`，供日志字段使用。
func (f ForwardConfig) ProxyMode() string {
	if strings.TrimSpace(f.Proxy) != "" {
		return "http-proxy"
	}
	return "direct"
}
