package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if g.BackgroundTimeout.DurationValue() <= 0 {
		return newFieldError("BackgroundTimeout", "必须大于 0")
	}

	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.validateSync()
}

func (c *Config) validateWorker() error {
	w := c.Worker
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	if w.Version == "" {
		return newFieldError("Version", "不能为空")
	}
	if !versionPattern.MatchString(w.Version) {
		return newFieldError("Version", "仅允许字母、数字以及 . _ -")
	}
	if w.CachePrefix == "" {
		return newFieldError("CachePrefix", "不能为空")
	}
	if !versionPattern.MatchString(w.CachePrefix) {
		return newFieldError("CachePrefix", "仅允许字母、数字以及 . _ -")
	}
	if w.CacheTTL.DurationValue() <= 0 {
		return newFieldError("CacheTTL", "必须大于 0")
	}
	if !strings.HasPrefix(w.ShellPath, "/") {
		return newFieldError("ShellPath", "必须以 / 开头")
	}
	for i, asset := range w.Precache {
		if !strings.HasPrefix(strings.TrimSpace(asset), "/") {
			return newFieldError(indexField("Precache", i), "必须是以 / 开头的同源路径")
		}
	}
	for i, pattern := range w.NetworkFirstPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return newFieldError(indexField("NetworkFirstPatterns", i), err.Error())
		}
	}
	for i, pattern := range w.CacheFirstPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return newFieldError(indexField("CacheFirstPatterns", i), err.Error())
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	s := c.Storage
	switch s.StorageBackend {
	case StorageBackendFile:
		if s.StoragePath == "" {
			return newFieldError("StoragePath", "不能为空")
		}
	case StorageBackendRedis:
		if s.RedisAddr == "" {
			return newFieldError("RedisAddr", "redis 后端必须提供地址")
		}
		if s.RedisDB < 0 {
			return newFieldError("RedisDB", "不能为负数")
		}
	default:
		return newFieldError("StorageBackend", "仅支持 file|redis")
	}
	return nil
}

func (c *Config) validateSync() error {
	s := c.Sync
	if s.SyncDBPath == "" {
		return newFieldError("SyncDBPath", "不能为空")
	}
	if s.SyncMaxAttempts <= 0 {
		return newFieldError("SyncMaxAttempts", "必须大于 0")
	}
	if s.SyncRetriesPerDrain < 0 {
		return newFieldError("SyncRetriesPerDrain", "不能为负数")
	}
	if s.SyncInitialBackoff.DurationValue() <= 0 {
		return newFieldError("SyncInitialBackoff", "必须大于 0")
	}
	if s.SyncInterval.DurationValue() < 0 {
		return newFieldError("SyncInterval", "不能为负数")
	}

	seen := map[string]struct{}{}
	for i := range s.Tags {
		tag := s.Tags[i]
		if tag.Name == "" {
			return newFieldError("SyncTag[].Name", "不能为空")
		}
		if _, exists := seen[tag.Name]; exists {
			return newFieldError(tagField(tag.Name, "Name"), "重复")
		}
		seen[tag.Name] = struct{}{}
		if !strings.HasPrefix(tag.Endpoint, "/") {
			return newFieldError(tagField(tag.Name, "Endpoint"), "必须是以 / 开头的同源路径")
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
