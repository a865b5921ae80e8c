// Package config loads the crdrive TOML configuration, applies the override
// chain (defaults -> config file -> environment -> CLI flags), validates the
// result and resolves platform paths for the state the client keeps on disk.
package config

// Config mirrors the config file. Durations and sizes stay strings here;
// Resolve parses them once validation has passed.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Session SessionConfig `toml:"session"`
	Upload  UploadConfig  `toml:"upload"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ServerConfig locates the backend and shapes the HTTP client.
type ServerConfig struct {
	BaseURL        string `toml:"base_url"`
	UserAgent      string `toml:"user_agent"`
	ConnectTimeout string `toml:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout"`
}

// SessionConfig controls how processes share one login.
type SessionConfig struct {
	LivenessInterval string `toml:"liveness_interval"`
	// Broadcast picks the event source: auto, memory, redis, file or none.
	// auto means redis when redis_url is set, else file.
	Broadcast string `toml:"broadcast"`
	RedisURL  string `toml:"redis_url"`
	Channel   string `toml:"channel"`
	// DataDir holds the cookie jar, the event file and the history
	// database. Empty selects the platform default.
	DataDir string `toml:"data_dir"`
}

// UploadConfig tunes the upload engine.
type UploadConfig struct {
	MultipartThreshold  string `toml:"multipart_threshold"`
	DefaultChunkSize    string `toml:"default_chunk_size"`
	PartConcurrency     int    `toml:"part_concurrency"`
	BandwidthLimit      string `toml:"bandwidth_limit"`
	SpeedSampleInterval string `toml:"speed_sample_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// MetricsConfig enables the Prometheus endpoint. Empty ListenAddr disables it.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// CLIOverrides holds flag values. Pointer fields distinguish "not given"
// from an explicit empty value.
type CLIOverrides struct {
	ConfigPath string
	Server     *string
	LogLevel   *string
}
