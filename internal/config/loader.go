package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认清单与规则，和站点最初的离线策略保持一致。
var (
	DefaultPrecache = []string{
		"/",
		"/index.html",
		"/assets/css/styles.css",
		"/assets/js/main.js",
		"/assets/js/aos.js",
		"/assets/js/slider.js",
		"/assets/favicon/site.webmanifest",
	}
	DefaultNetworkFirstPatterns = []string{
		`/api/`,
		`\.(?:json)$`,
	}
	DefaultCacheFirstPatterns = []string{
		`\.(?:png|jpg|jpeg|svg|webp|gif|ico)$`,
		`\.(?:woff|woff2|ttf|eot)$`,
		`\.(?:css|js)$`,
	}
)

// DefaultSyncTag 是联系表单离线提交使用的后台同步标签。
const DefaultSyncTag = "contact-form"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch 加载配置后监听文件变更，每次成功解析的新配置都会交给 onChange。
// 解析失败的变更会通过 onError 上报，旧配置保持生效。
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(next)
		}
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)
	applyStorageDefaults(&cfg.Storage)
	applySyncDefaults(&cfg.Sync, cfg.Storage.StoragePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Storage.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Storage.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("BackgroundTimeout", "30s")

	v.SetDefault("Version", "v1.0.0")
	v.SetDefault("CachePrefix", "ouqro")
	v.SetDefault("CacheTTL", "24h")
	v.SetDefault("AutoActivate", true)
	v.SetDefault("ShellPath", "/")
	v.SetDefault("Precache", DefaultPrecache)
	v.SetDefault("NetworkFirstPatterns", DefaultNetworkFirstPatterns)
	v.SetDefault("CacheFirstPatterns", DefaultCacheFirstPatterns)

	v.SetDefault("StorageBackend", StorageBackendFile)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("RedisNamespace", "swgate")

	v.SetDefault("SyncMaxAttempts", 5)
	v.SetDefault("SyncRetriesPerDrain", 2)
	v.SetDefault("SyncInitialBackoff", "500ms")
	v.SetDefault("SyncInterval", "1m")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.BackgroundTimeout.DurationValue() == 0 {
		g.BackgroundTimeout = Duration(30 * time.Second)
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Origin = strings.TrimRight(strings.TrimSpace(w.Origin), "/")
	w.Version = strings.TrimSpace(w.Version)
	w.CachePrefix = strings.TrimSpace(w.CachePrefix)
	if w.CacheTTL.DurationValue() == 0 {
		w.CacheTTL = Duration(24 * time.Hour)
	}
	if strings.TrimSpace(w.ShellPath) == "" {
		w.ShellPath = "/"
	}
}

func applyStorageDefaults(s *StorageConfig) {
	s.StorageBackend = strings.ToLower(strings.TrimSpace(s.StorageBackend))
	if s.StorageBackend == "" {
		s.StorageBackend = StorageBackendFile
	}
	if s.RedisNamespace == "" {
		s.RedisNamespace = "swgate"
	}
}

func applySyncDefaults(s *SyncConfig, storagePath string) {
	if s.SyncDBPath == "" && storagePath != "" {
		s.SyncDBPath = filepath.Join(storagePath, "sync.db")
	}
	if s.SyncInitialBackoff.DurationValue() == 0 {
		s.SyncInitialBackoff = Duration(500 * time.Millisecond)
	}
	if len(s.Tags) == 0 {
		s.Tags = []SyncTagConfig{{Name: DefaultSyncTag, Endpoint: "/api/contact"}}
	}
	for i := range s.Tags {
		s.Tags[i].Name = strings.TrimSpace(s.Tags[i].Name)
		s.Tags[i].Endpoint = strings.TrimSpace(s.Tags[i].Endpoint)
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
