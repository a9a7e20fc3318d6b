package config

import "testing"

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsBadForwardRegistry(t *testing.T) {
	cfg := `
StoragePath = "./data"

[Forward]
Registry = "registry.npmjs.org"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("缺少协议头的 Registry 应失败")
	}
}

func TestFieldErrorFormatsPath(t *testing.T) {
	err := newFieldError(forwardField("Proxy"), "格式错误")
	if err.Error() != "Forward.Proxy: 格式错误" {
		t.Fatalf("unexpected message %s", err.Error())
	}
}
