package store

// SchemaVersion 是当前注册表元数据的格式版本。
const SchemaVersion = "2"

// DefaultRegistry 是 Settings 缺省的上游地址。
const DefaultRegistry = "https://registry.npmjs.org/"

// Settings 是注册表级别的转发设置，持久化在根 registry.json 中。
type Settings struct {
	Registry    string `json:"registry"`
	Proxy       string `json:"proxy,omitempty"`
	AutoForward bool   `json:"autoForward"`
	UserAgent   string `json:"userAgent,omitempty"`
}

// DefaultSettings 返回新注册表使用的默认设置。
func DefaultSettings() Settings {
	return Settings{
		Registry:    DefaultRegistry,
		AutoForward: true,
	}
}

// RegistryMeta 记录注册表计数：Count 始终等于 Local + Proxied。
type RegistryMeta struct {
	SchemaVersion string   `json:"schemaVersion"`
	Count         int      `json:"count"`
	Local         int      `json:"local"`
	Proxied       int      `json:"proxied"`
	Settings      Settings `json:"settings"`
}

func newMeta() *RegistryMeta {
	return &RegistryMeta{
		SchemaVersion: SchemaVersion,
		Settings:      DefaultSettings(),
	}
}

// track 按文档分类调整计数。
func (m *RegistryMeta) track(proxied bool, delta int) {
	m.Count += delta
	if proxied {
		m.Proxied += delta
	} else {
		m.Local += delta
	}
}
