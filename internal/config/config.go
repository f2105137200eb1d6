// Package config implements TOML configuration loading, validation, and
// path resolution for tinder-swipe. It supports a four-layer override chain
// (defaults -> config file -> environment -> CLI flags). Environment variable
// names match the original deployment contract (DATABASE_PATH, LINODE_TOKEN,
// PIKPAK_USERNAME, ...) so existing service units keep working.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Core      CoreConfig      `toml:"core"`
	Server    ServerConfig    `toml:"server"`
	PikPak    PikPakConfig    `toml:"pikpak"`
	Linode    LinodeConfig    `toml:"linode"`
	Proxy     ProxyConfig     `toml:"proxy"`
	Aria2     Aria2Config     `toml:"aria2"`
	Scheduler SchedulerConfig `toml:"scheduler"`
}

// CoreConfig holds paths and logging behavior shared by every command.
type CoreConfig struct {
	DatabasePath     string `toml:"database_path"`
	DownloadBasePath string `toml:"download_base_path"`
	PreviewsPath     string `toml:"previews_path"`
	LogLevel         string `toml:"log_level"`
	LogFormat        string `toml:"log_format"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// PikPakConfig holds the drive account credentials. Both fields are required
// for serve; the engine refuses to start without them.
type PikPakConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// LinodeConfig holds the cloud provider credentials and instance shape.
// HourlyCost is only used for the dashboard cost estimate; it does not
// affect provisioning.
type LinodeConfig struct {
	Token      string  `toml:"token"`
	Region     string  `toml:"region"`
	Type       string  `toml:"type"`
	HourlyCost float64 `toml:"hourly_cost"`
}

// ProxyConfig holds the SOCKS5 credentials baked into every proxy VM's
// cloud-init payload. The values are deliberately fixed literals: after a
// process restart the engine re-applies the daemon proxy using these same
// values, which only works because they match what the still-running VM was
// provisioned with. They are also copied onto each instance row for
// durability.
type ProxyConfig struct {
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Aria2Config controls the download daemon RPC endpoint. Notifications
// enables a websocket tap that logs daemon download events; task state is
// always driven by polling regardless.
type Aria2Config struct {
	RPCURL        string `toml:"rpc_url"`
	RPCSecret     string `toml:"rpc_secret"`
	Notifications bool   `toml:"notifications"`
}

// SchedulerConfig controls the periodic drivers. The aggregation and batch
// fields are recognized for compatibility with older deployments but are not
// consulted by the four-tick engine; idle_destroy_minutes is likewise
// reserved, the idle reaper uses its fixed 5/30 minute thresholds.
type SchedulerConfig struct {
	ConfirmIntervalSeconds   int `toml:"confirm_interval_seconds"`
	PushIntervalSeconds      int `toml:"push_interval_seconds"`
	MonitorIntervalSeconds   int `toml:"monitor_interval_seconds"`
	CleanupIntervalSeconds   int `toml:"cleanup_interval_seconds"`
	AggregationWindowMinutes int `toml:"aggregation_window_minutes"`
	BatchTaskThreshold       int `toml:"batch_task_threshold"`
	IdleDestroyMinutes       int `toml:"idle_destroy_minutes"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath   string  // --config flag (empty = use default)
	DatabasePath *string // --database flag
	Listen       *string // --listen flag
	LogLevel     *string // derived from --verbose/--quiet
	LogFormat    *string // --json-log forces "json"
}
