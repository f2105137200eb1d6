package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain. The domain defaults (region, instance
// type, ports, paths) are carried over from the original deployment so a
// bare config file provisions the same proxy VM shape it always has.
const (
	defaultDatabasePath     = "swipe.db"
	defaultDownloadBasePath = "/downloads"
	defaultPreviewsPath     = "/data/previews"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultListen           = "127.0.0.1:8000"
	defaultLinodeRegion     = "ap-northeast"
	defaultLinodeType       = "g6-nanode-1"
	defaultHourlyCost       = 0.0075
	defaultProxyPort        = 1080
	defaultProxyUsername    = "proxy"
	defaultProxyPassword    = "swipe2024"
	defaultAria2RPCURL      = "http://localhost:6800/jsonrpc"
	defaultConfirmSeconds   = 30
	defaultPushSeconds      = 30
	defaultMonitorSeconds   = 30
	defaultCleanupSeconds   = 60
	defaultAggregationMins  = 5
	defaultBatchThreshold   = 10
	defaultIdleDestroyMins  = 15
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			DatabasePath:     defaultDatabasePath,
			DownloadBasePath: defaultDownloadBasePath,
			PreviewsPath:     defaultPreviewsPath,
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
		},
		Server: ServerConfig{
			Listen: defaultListen,
		},
		Linode: LinodeConfig{
			Region:     defaultLinodeRegion,
			Type:       defaultLinodeType,
			HourlyCost: defaultHourlyCost,
		},
		Proxy: ProxyConfig{
			Port:     defaultProxyPort,
			Username: defaultProxyUsername,
			Password: defaultProxyPassword,
		},
		Aria2: Aria2Config{
			RPCURL: defaultAria2RPCURL,
		},
		Scheduler: SchedulerConfig{
			ConfirmIntervalSeconds:   defaultConfirmSeconds,
			PushIntervalSeconds:      defaultPushSeconds,
			MonitorIntervalSeconds:   defaultMonitorSeconds,
			CleanupIntervalSeconds:   defaultCleanupSeconds,
			AggregationWindowMinutes: defaultAggregationMins,
			BatchTaskThreshold:       defaultBatchThreshold,
			IdleDestroyMinutes:       defaultIdleDestroyMins,
		},
	}
}
