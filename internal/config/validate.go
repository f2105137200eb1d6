package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
)

// Validation range constants. The proxy port ceiling accounts for the HTTP
// entry port living at proxy_port + 7000 on the same VM.
const (
	minPort         = 1
	maxPort         = 65535
	httpProxyOffset = 7000
	minTickSeconds  = 1
	maxTickSeconds  = 3600
	minIdleMinutes  = 1
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateCore(&cfg.Core)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLinode(&cfg.Linode)...)
	errs = append(errs, validateProxy(&cfg.Proxy)...)
	errs = append(errs, validateAria2(&cfg.Aria2)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)

	return errors.Join(errs...)
}

func validateCore(c *CoreConfig) []error {
	var errs []error

	if c.DatabasePath == "" {
		errs = append(errs, errors.New("core.database_path: must not be empty"))
	}

	if c.DownloadBasePath == "" || !filepath.IsAbs(c.DownloadBasePath) {
		errs = append(errs, fmt.Errorf(
			"core.download_base_path: must be an absolute path, got %q", c.DownloadBasePath))
	}

	if c.PreviewsPath != "" && !filepath.IsAbs(c.PreviewsPath) {
		errs = append(errs, fmt.Errorf(
			"core.previews_path: must be an absolute path, got %q", c.PreviewsPath))
	}

	errs = append(errs, validateLogLevel(c.LogLevel)...)
	errs = append(errs, validateLogFormat(c.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("core.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("core.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateServer(s *ServerConfig) []error {
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []error{fmt.Errorf("server.listen: invalid host:port %q: %w", s.Listen, err)}
	}

	return nil
}

func validateLinode(l *LinodeConfig) []error {
	var errs []error

	if l.Region == "" {
		errs = append(errs, errors.New("linode.region: must not be empty"))
	}

	if l.Type == "" {
		errs = append(errs, errors.New("linode.type: must not be empty"))
	}

	if l.HourlyCost < 0 {
		errs = append(errs, fmt.Errorf("linode.hourly_cost: must be >= 0, got %v", l.HourlyCost))
	}

	return errs
}

func validateProxy(p *ProxyConfig) []error {
	var errs []error

	if p.Port < minPort || p.Port > maxPort {
		errs = append(errs, fmt.Errorf("proxy.port: must be between %d and %d, got %d",
			minPort, maxPort, p.Port))
	} else if p.Port+httpProxyOffset > maxPort {
		errs = append(errs, fmt.Errorf("proxy.port: %d leaves no room for the HTTP entry port (%d+%d > %d)",
			p.Port, p.Port, httpProxyOffset, maxPort))
	}

	if p.Username == "" {
		errs = append(errs, errors.New("proxy.username: must not be empty"))
	}

	if p.Password == "" {
		errs = append(errs, errors.New("proxy.password: must not be empty"))
	}

	return errs
}

func validateAria2(a *Aria2Config) []error {
	u, err := url.Parse(a.RPCURL)
	if err != nil {
		return []error{fmt.Errorf("aria2.rpc_url: invalid URL %q: %w", a.RPCURL, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("aria2.rpc_url: scheme must be http or https, got %q", a.RPCURL)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("aria2.rpc_url: missing host in %q", a.RPCURL)}
	}

	return nil
}

func validateScheduler(s *SchedulerConfig) []error {
	var errs []error

	errs = append(errs, validateTickSeconds("scheduler.confirm_interval_seconds", s.ConfirmIntervalSeconds)...)
	errs = append(errs, validateTickSeconds("scheduler.push_interval_seconds", s.PushIntervalSeconds)...)
	errs = append(errs, validateTickSeconds("scheduler.monitor_interval_seconds", s.MonitorIntervalSeconds)...)
	errs = append(errs, validateTickSeconds("scheduler.cleanup_interval_seconds", s.CleanupIntervalSeconds)...)

	if s.AggregationWindowMinutes < 0 {
		errs = append(errs, fmt.Errorf("scheduler.aggregation_window_minutes: must be >= 0, got %d",
			s.AggregationWindowMinutes))
	}

	if s.BatchTaskThreshold < 0 {
		errs = append(errs, fmt.Errorf("scheduler.batch_task_threshold: must be >= 0, got %d",
			s.BatchTaskThreshold))
	}

	if s.IdleDestroyMinutes < minIdleMinutes {
		errs = append(errs, fmt.Errorf("scheduler.idle_destroy_minutes: must be >= %d, got %d",
			minIdleMinutes, s.IdleDestroyMinutes))
	}

	return errs
}

func validateTickSeconds(field string, n int) []error {
	if n < minTickSeconds || n > maxTickSeconds {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d",
			field, minTickSeconds, maxTickSeconds, n)}
	}

	return nil
}
