package config

// Default values, layer 0 of the override chain.
const (
	defaultBaseURL             = "http://localhost:8080/api/v1"
	defaultConnectTimeout      = "10s"
	defaultRequestTimeout      = "0"
	defaultLivenessInterval    = "30s"
	defaultBroadcast           = BroadcastAuto
	defaultChannel             = "cr-auth"
	defaultMultipartThreshold  = "500MiB"
	defaultChunkSize           = "500MiB"
	defaultPartConcurrency     = 1
	defaultBandwidthLimit      = "0"
	defaultSpeedSampleInterval = "500ms"
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
)

// Broadcast modes for [session] broadcast.
const (
	BroadcastAuto   = "auto"
	BroadcastMemory = "memory"
	BroadcastRedis  = "redis"
	BroadcastFile   = "file"
	BroadcastNone   = "none"
)

// DefaultConfig returns a Config holding every default. TOML decoding
// starts from it, so keys absent from the file keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        defaultBaseURL,
			ConnectTimeout: defaultConnectTimeout,
			RequestTimeout: defaultRequestTimeout,
		},
		Session: SessionConfig{
			LivenessInterval: defaultLivenessInterval,
			Broadcast:        defaultBroadcast,
			Channel:          defaultChannel,
		},
		Upload: UploadConfig{
			MultipartThreshold:  defaultMultipartThreshold,
			DefaultChunkSize:    defaultChunkSize,
			PartConcurrency:     defaultPartConcurrency,
			BandwidthLimit:      defaultBandwidthLimit,
			SpeedSampleInterval: defaultSpeedSampleInterval,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
