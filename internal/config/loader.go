package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/npm-hub/internal/version"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 NPM_HUB_LISTENPORT、NPM_HUB_FORWARD_REGISTRY。
const EnvPrefix = "NPM_HUB"

// DefaultRegistry 是默认的上游 registry。
const DefaultRegistry = "https://registry.npmjs.org/"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyForwardDefaults(&cfg.Forward)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析 registry 目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "localhost")
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("DownloadTimeout", "5m")
	v.SetDefault("Forward.Registry", DefaultRegistry)
	v.SetDefault("Forward.Proxy", "")
	v.SetDefault("Forward.AutoForward", true)
	v.SetDefault("Forward.UserAgent", defaultUserAgent())
}

func defaultUserAgent() string {
	return "npm-hub/" + version.Version
}

func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.ListenHost) == "" {
		g.ListenHost = "localhost"
	}
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.DownloadTimeout.DurationValue() == 0 {
		g.DownloadTimeout = Duration(5 * time.Minute)
	}
}

func applyForwardDefaults(f *ForwardConfig) {
	f.Registry = strings.TrimSpace(f.Registry)
	if f.Registry == "" {
		f.Registry = DefaultRegistry
	}
	f.Proxy = strings.TrimSpace(f.Proxy)
	if strings.TrimSpace(f.UserAgent) == "" {
		f.UserAgent = defaultUserAgent()
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
