package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// State file names inside the data directory.
const (
	cookieFileName  = "cookies.json"
	eventFileName   = "session-event.json"
	historyFileName = "history.db"
)

// Resolved is a validated config with every duration and size parsed.
type Resolved struct {
	ConfigPath string
	DataDir    string

	BaseURL        string
	UserAgent      string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration // 0 = no overall deadline

	LivenessInterval time.Duration
	Broadcast        string // never "auto" once resolved
	RedisURL         string
	Channel          string

	MultipartThreshold  int64
	DefaultChunkSize    int64
	PartConcurrency     int
	BandwidthLimit      int64 // bytes per second, 0 = unlimited
	SpeedSampleInterval time.Duration

	LogLevel  string
	LogFormat string

	MetricsAddr string
}

// CookiePath is where the refresh cookie jar is kept.
func (r *Resolved) CookiePath() string {
	return filepath.Join(r.DataDir, cookieFileName)
}

// EventPath is the shared file the file event source writes.
func (r *Resolved) EventPath() string {
	return filepath.Join(r.DataDir, eventFileName)
}

// HistoryPath is the upload history database.
func (r *Resolved) HistoryPath() string {
	return filepath.Join(r.DataDir, historyFileName)
}

// resolve parses an already validated cfg.
func resolve(cfg *Config, path string) (*Resolved, error) {
	r := &Resolved{
		ConfigPath:      path,
		DataDir:         cfg.Session.DataDir,
		BaseURL:         strings.TrimRight(cfg.Server.BaseURL, "/"),
		UserAgent:       cfg.Server.UserAgent,
		RedisURL:        cfg.Session.RedisURL,
		Channel:         cfg.Session.Channel,
		Broadcast:       cfg.Session.Broadcast,
		PartConcurrency: cfg.Upload.PartConcurrency,
		LogLevel:        cfg.Logging.LogLevel,
		LogFormat:       cfg.Logging.LogFormat,
		MetricsAddr:     cfg.Metrics.ListenAddr,
	}

	if r.DataDir == "" {
		r.DataDir = DefaultDataDir()
	} else {
		r.DataDir = expandTilde(r.DataDir)
	}

	if r.Broadcast == BroadcastAuto {
		r.Broadcast = BroadcastFile
		if r.RedisURL != "" {
			r.Broadcast = BroadcastRedis
		}
	}

	var err error

	durations := []struct {
		dst *time.Duration
		src string
	}{
		{&r.ConnectTimeout, cfg.Server.ConnectTimeout},
		{&r.RequestTimeout, cfg.Server.RequestTimeout},
		{&r.LivenessInterval, cfg.Session.LivenessInterval},
		{&r.SpeedSampleInterval, cfg.Upload.SpeedSampleInterval},
	}

	for _, d := range durations {
		if *d.dst, err = parseDuration(d.src); err != nil {
			return nil, err
		}
	}

	if r.MultipartThreshold, err = ParseSize(cfg.Upload.MultipartThreshold); err != nil {
		return nil, fmt.Errorf("multipart_threshold: %w", err)
	}

	if r.DefaultChunkSize, err = ParseSize(cfg.Upload.DefaultChunkSize); err != nil {
		return nil, fmt.Errorf("default_chunk_size: %w", err)
	}

	if r.BandwidthLimit, err = ParseRate(cfg.Upload.BandwidthLimit); err != nil {
		return nil, fmt.Errorf("bandwidth_limit: %w", err)
	}

	return r, nil
}

// parseDuration accepts "0" as zero, like the size parser.
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	return d, nil
}
