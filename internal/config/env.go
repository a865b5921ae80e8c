package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "CRDRIVE_CONFIG"
	EnvServer   = "CRDRIVE_SERVER"
	EnvRedisURL = "CRDRIVE_REDIS_URL"
)

// EnvOverrides holds values read from the environment.
type EnvOverrides struct {
	ConfigPath string // CRDRIVE_CONFIG: config file path
	Server     string // CRDRIVE_SERVER: [server] base_url
	RedisURL   string // CRDRIVE_REDIS_URL: [session] redis_url
}

// ReadEnvOverrides reads the environment. It does not modify any Config.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Server:     os.Getenv(EnvServer),
		RedisURL:   os.Getenv(EnvRedisURL),
	}
}
