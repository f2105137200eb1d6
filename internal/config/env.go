package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names. Except for the config path these are the bare
// names the original deployment used, not namespaced: the service has always
// been configured this way and existing unit files depend on it.
const (
	EnvConfig           = "TINDER_SWIPE_CONFIG"
	EnvDatabasePath     = "DATABASE_PATH"
	EnvDownloadBasePath = "DOWNLOAD_BASE_PATH"
	EnvPreviewsPath     = "PREVIEWS_PATH"
	EnvLogLevel         = "LOG_LEVEL"
	EnvListen           = "LISTEN_ADDR"
	EnvPikPakUsername   = "PIKPAK_USERNAME"
	EnvPikPakPassword   = "PIKPAK_PASSWORD"
	EnvLinodeToken      = "LINODE_TOKEN"
	EnvLinodeRegion     = "LINODE_REGION"
	EnvLinodeType       = "LINODE_TYPE"
	EnvProxyPort        = "SOCKS5_PORT"
	EnvProxyUsername    = "SOCKS5_USERNAME"
	EnvProxyPassword    = "SOCKS5_PASSWORD"
	EnvAria2RPCURL      = "ARIA2_RPC_URL"
	EnvAria2RPCSecret   = "ARIA2_RPC_SECRET"
	EnvIdleDestroyMins  = "IDLE_DESTROY_MINUTES"
)

// EnvOverrides holds raw string values read from the environment. Values are
// kept as strings so ApplyEnvOverrides can report parse errors with the
// variable name attached.
type EnvOverrides struct {
	ConfigPath       string
	DatabasePath     string
	DownloadBasePath string
	PreviewsPath     string
	LogLevel         string
	Listen           string
	PikPakUsername   string
	PikPakPassword   string
	LinodeToken      string
	LinodeRegion     string
	LinodeType       string
	ProxyPort        string
	ProxyUsername    string
	ProxyPassword    string
	Aria2RPCURL      string
	Aria2RPCSecret   string
	IdleDestroyMins  string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify any Config; callers apply the relevant fields
// via ApplyEnvOverrides.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:       os.Getenv(EnvConfig),
		DatabasePath:     os.Getenv(EnvDatabasePath),
		DownloadBasePath: os.Getenv(EnvDownloadBasePath),
		PreviewsPath:     os.Getenv(EnvPreviewsPath),
		LogLevel:         os.Getenv(EnvLogLevel),
		Listen:           os.Getenv(EnvListen),
		PikPakUsername:   os.Getenv(EnvPikPakUsername),
		PikPakPassword:   os.Getenv(EnvPikPakPassword),
		LinodeToken:      os.Getenv(EnvLinodeToken),
		LinodeRegion:     os.Getenv(EnvLinodeRegion),
		LinodeType:       os.Getenv(EnvLinodeType),
		ProxyPort:        os.Getenv(EnvProxyPort),
		ProxyUsername:    os.Getenv(EnvProxyUsername),
		ProxyPassword:    os.Getenv(EnvProxyPassword),
		Aria2RPCURL:      os.Getenv(EnvAria2RPCURL),
		Aria2RPCSecret:   os.Getenv(EnvAria2RPCSecret),
		IdleDestroyMins:  os.Getenv(EnvIdleDestroyMins),
	}
}

// ApplyEnvOverrides copies non-empty override values onto cfg, converting
// numeric fields. Parse failures name the offending variable so systemd unit
// typos are diagnosable from the startup error alone.
func ApplyEnvOverrides(cfg *Config, env EnvOverrides) error {
	applyString(&cfg.Core.DatabasePath, env.DatabasePath)
	applyString(&cfg.Core.DownloadBasePath, env.DownloadBasePath)
	applyString(&cfg.Core.PreviewsPath, env.PreviewsPath)
	applyString(&cfg.Core.LogLevel, env.LogLevel)
	applyString(&cfg.Server.Listen, env.Listen)
	applyString(&cfg.PikPak.Username, env.PikPakUsername)
	applyString(&cfg.PikPak.Password, env.PikPakPassword)
	applyString(&cfg.Linode.Token, env.LinodeToken)
	applyString(&cfg.Linode.Region, env.LinodeRegion)
	applyString(&cfg.Linode.Type, env.LinodeType)
	applyString(&cfg.Proxy.Username, env.ProxyUsername)
	applyString(&cfg.Proxy.Password, env.ProxyPassword)
	applyString(&cfg.Aria2.RPCURL, env.Aria2RPCURL)
	applyString(&cfg.Aria2.RPCSecret, env.Aria2RPCSecret)

	if err := applyInt(&cfg.Proxy.Port, env.ProxyPort, EnvProxyPort); err != nil {
		return err
	}

	if err := applyInt(&cfg.Scheduler.IdleDestroyMinutes, env.IdleDestroyMins, EnvIdleDestroyMins); err != nil {
		return err
	}

	return nil
}

func applyString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func applyInt(dst *int, value, name string) error {
	if value == "" {
		return nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("environment variable %s: invalid integer %q", name, value)
	}

	*dst = n

	return nil
}
