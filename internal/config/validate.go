package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation bounds.
const (
	minConnectTimeout    = 1 * time.Second
	minLivenessInterval  = 1 * time.Second
	minSpeedSample       = 10 * time.Millisecond
	minChunkBytes        = 1 << 20 // 1 MiB
	maxPartConcurrency   = 16
	minPartConcurrency   = 1
	minMultipartBoundary = 1
)

// Validate checks every value and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateSession(&cfg.Session)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	u, err := url.Parse(s.BaseURL)

	switch {
	case s.BaseURL == "":
		errs = append(errs, errors.New("base_url: must not be empty"))
	case err != nil:
		errs = append(errs, fmt.Errorf("base_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("base_url: scheme must be http or https, got %q", s.BaseURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("base_url: missing host in %q", s.BaseURL))
	}

	errs = append(errs, validateDurationMin("connect_timeout", s.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationNonNeg("request_timeout", s.RequestTimeout)...)

	return errs
}

var validBroadcasts = map[string]bool{
	BroadcastAuto:   true,
	BroadcastMemory: true,
	BroadcastRedis:  true,
	BroadcastFile:   true,
	BroadcastNone:   true,
}

func validateSession(s *SessionConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("liveness_interval", s.LivenessInterval, minLivenessInterval)...)

	if !validBroadcasts[s.Broadcast] {
		errs = append(errs, fmt.Errorf("broadcast: must be one of auto, memory, redis, file, none; got %q", s.Broadcast))
	}

	if s.Broadcast == BroadcastRedis && s.RedisURL == "" {
		errs = append(errs, errors.New("redis_url: required when broadcast is redis"))
	}

	if s.Channel == "" {
		errs = append(errs, errors.New("channel: must not be empty"))
	}

	return errs
}

func validateUpload(u *UploadConfig) []error {
	var errs []error

	if n, err := ParseSize(u.MultipartThreshold); err != nil {
		errs = append(errs, fmt.Errorf("multipart_threshold: %w", err))
	} else if n < minMultipartBoundary {
		errs = append(errs, fmt.Errorf("multipart_threshold: must be positive, got %q", u.MultipartThreshold))
	}

	if n, err := ParseSize(u.DefaultChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("default_chunk_size: %w", err))
	} else if n < minChunkBytes {
		errs = append(errs, fmt.Errorf("default_chunk_size: must be at least 1MiB, got %q", u.DefaultChunkSize))
	}

	if u.PartConcurrency < minPartConcurrency || u.PartConcurrency > maxPartConcurrency {
		errs = append(errs, fmt.Errorf("part_concurrency: must be between %d and %d, got %d",
			minPartConcurrency, maxPartConcurrency, u.PartConcurrency))
	}

	if _, err := ParseRate(u.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	errs = append(errs, validateDurationMin("speed_sample_interval", u.SpeedSampleInterval, minSpeedSample)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := parseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}
