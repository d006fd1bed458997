package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"24h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// 存储后端取值。
const (
	StorageBackendFile  = "file"
	StorageBackendRedis = "redis"
)

// GlobalConfig 描述网关运行时行为：监听端口、日志输出与源站超时。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	BackgroundTimeout Duration `mapstructure:"BackgroundTimeout"`
}

// WorkerConfig 对应一次部署的缓存引擎版本：源站、分区命名、TTL、预缓存清单与分类规则。
type WorkerConfig struct {
	Origin               string   `mapstructure:"Origin"`
	Version              string   `mapstructure:"Version"`
	CachePrefix          string   `mapstructure:"CachePrefix"`
	CacheTTL             Duration `mapstructure:"CacheTTL"`
	AutoActivate         bool     `mapstructure:"AutoActivate"`
	ShellPath            string   `mapstructure:"ShellPath"`
	Precache             []string `mapstructure:"Precache"`
	NetworkFirstPatterns []string `mapstructure:"NetworkFirstPatterns"`
	CacheFirstPatterns   []string `mapstructure:"CacheFirstPatterns"`
}

// StorageConfig 选择缓存分区的持久化后端。
type StorageConfig struct {
	StorageBackend string `mapstructure:"StorageBackend"`
	StoragePath    string `mapstructure:"StoragePath"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`
	RedisNamespace string `mapstructure:"RedisNamespace"`
}

// SyncConfig 控制延迟同步队列的持久化位置与有界重试策略。
type SyncConfig struct {
	SyncDBPath          string          `mapstructure:"SyncDBPath"`
	SyncMaxAttempts     int             `mapstructure:"SyncMaxAttempts"`
	SyncRetriesPerDrain int             `mapstructure:"SyncRetriesPerDrain"`
	SyncInitialBackoff  Duration        `mapstructure:"SyncInitialBackoff"`
	SyncInterval        Duration        `mapstructure:"SyncInterval"`
	Tags                []SyncTagConfig `mapstructure:"SyncTag"`
}

// SyncTagConfig 将同步标签映射到源站上的重发端点。
type SyncTagConfig struct {
	Name     string `mapstructure:"Name"`
	Endpoint string `mapstructure:"Endpoint"`
}

// Config 是 TOML 文件映射的整体结构，所有分组都平铺在顶层。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Worker  WorkerConfig  `mapstructure:",squash"`
	Storage StorageConfig `mapstructure:",squash"`
	Sync    SyncConfig    `mapstructure:",squash"`
}

// CacheTTL 返回缓存优先策略使用的新鲜度窗口。
func (c *Config) CacheTTL() time.Duration {
	return c.Worker.CacheTTL.DurationValue()
}

// SyncEndpoint 返回标签对应的重发端点。
func (c *Config) SyncEndpoint(tag string) (string, bool) {
	for _, t := range c.Sync.Tags {
		if t.Name == tag {
			return t.Endpoint, true
		}
	}
	return "", false
}

// SyncTagNames 按配置顺序列出全部同步标签。
func (c *Config) SyncTagNames() []string {
	if len(c.Sync.Tags) == 0 {
		return nil
	}
	names := make([]string, len(c.Sync.Tags))
	for i, t := range c.Sync.Tags {
		names[i] = t.Name
	}
	return names
}
