package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/cache"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	switch g.LogFormat {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if !cache.HasDriver(g.StorageDriver) {
		return newFieldError("Global.StorageDriver", "仅支持 "+strings.Join(cache.Drivers(), "|"))
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Worker.validate()
}

func (w WorkerConfig) validate() error {
	if w.CacheVersion == "" {
		return newFieldError(workerField("CacheVersion"), "不能为空")
	}
	if w.CacheVersion == "." || w.CacheVersion == ".." {
		return newFieldError(workerField("CacheVersion"), "不能是 . 或 ..")
	}
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin"), err)
	}

	seen := make(map[string]struct{}, len(w.Manifest))
	for idx, entry := range w.Manifest {
		if err := validateManifestEntry(entry); err != nil {
			return fmt.Errorf("%s: %w", manifestField(idx), err)
		}
		if _, exists := seen[entry]; exists {
			return newFieldError(manifestField(idx), "重复: "+entry)
		}
		seen[entry] = struct{}{}
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
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不应包含查询或片段: %s", raw)
	}
	return nil
}

func validateManifestEntry(entry string) error {
	if entry == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(entry, " \t\r\n") {
		return errors.New("不允许包含空白字符")
	}
	parsed, err := url.Parse(entry)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return errors.New("仅支持相对于 Origin 的路径")
	}
	if parsed.Fragment != "" {
		return errors.New("不应包含片段")
	}
	return nil
}
