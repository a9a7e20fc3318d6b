package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `
StoragePath = "./data"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("ListenPort 应默认 5000，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Global.ListenHost != "localhost" {
		t.Fatalf("ListenHost 应默认 localhost，得到 %s", cfg.Global.ListenHost)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("UpstreamTimeout 应默认 30s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.DownloadTimeout.DurationValue() != 5*time.Minute {
		t.Fatalf("DownloadTimeout 应默认 5m，得到 %s", cfg.Global.DownloadTimeout.DurationValue())
	}
	if cfg.Forward.Registry != DefaultRegistry {
		t.Fatalf("Forward.Registry 应默认 npmjs，得到 %s", cfg.Forward.Registry)
	}
	if !cfg.Forward.AutoForward {
		t.Fatalf("AutoForward 应默认开启")
	}
	if cfg.Forward.UserAgent == "" {
		t.Fatalf("UserAgent 应该自动填充默认值")
	}
	if cfg.Global.StoragePath == "" || cfg.Global.StoragePath == "./data" {
		t.Fatalf("StoragePath 应被转换为绝对路径，得到 %s", cfg.Global.StoragePath)
	}
}

func TestLoadReadsForwardTable(t *testing.T) {
	cfgPath := writeTempConfig(t, `
ListenHost = "registry.local"
ListenPort = 8080
StoragePath = "./data"
UpstreamTimeout = 10

[Forward]
Registry = "https://mirror.example.com/"
Proxy = "http://proxy.example.com:3128"
AutoForward = false
UserAgent = "custom-agent"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("纯数字应按秒解析，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Forward.Registry != "https://mirror.example.com/" {
		t.Fatalf("unexpected registry %s", cfg.Forward.Registry)
	}
	if cfg.Forward.Proxy != "http://proxy.example.com:3128" {
		t.Fatalf("unexpected proxy %s", cfg.Forward.Proxy)
	}
	if cfg.Forward.AutoForward {
		t.Fatalf("AutoForward 应被关闭")
	}
	if cfg.Forward.ProxyMode() != "http-proxy" {
		t.Fatalf("unexpected proxy mode %s", cfg.Forward.ProxyMode())
	}
	if got := cfg.Global.PublicBaseURL(); got != "http://registry.local:8080" {
		t.Fatalf("unexpected public base url %s", got)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("NPM_HUB_LISTENPORT", "7000")
	t.Setenv("NPM_HUB_FORWARD_AUTOFORWARD", "false")
	cfgPath := writeTempConfig(t, `
ListenPort = 6000
StoragePath = "./data"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 7000 {
		t.Fatalf("环境变量应覆盖文件，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Forward.AutoForward {
		t.Fatalf("环境变量应关闭 AutoForward")
	}
}

func TestLoadFailsWhenFileMissing(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失的配置文件应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateUpstreamURLs(t *testing.T) {
	testCases := []struct {
		name      string
		registry  string
		proxy     string
		shouldErr bool
	}{
		{"https ok", "https://registry.npmjs.org/", "", false},
		{"http with proxy ok", "http://registry.local/", "http://proxy.local:3128", false},
		{"missing registry", "", "", true},
		{"ftp registry", "ftp://registry.local/", "", true},
		{"proxy without host", "https://registry.npmjs.org/", "http://", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Forward.Registry = tc.registry
			cfg.Forward.Proxy = tc.proxy
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for registry %q proxy %q", tc.registry, tc.proxy)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRejectsHostWithScheme(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenHost = "http://localhost"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenHost 含协议头时应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenHost:      "localhost",
			ListenPort:      5000,
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
			DownloadTimeout: Duration(time.Minute),
		},
		Forward: ForwardConfig{
			Registry:    DefaultRegistry,
			AutoForward: true,
			UserAgent:   "npm-hub/test",
		},
	}
}
