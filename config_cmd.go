package main

import (
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crdrive/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration after all overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			shown := *cc.Cfg
			shown.RedisURL = redactURL(shown.RedisURL)

			if cc.Flags.JSON {
				return printJSON(cmd.OutOrStdout(), shown)
			}

			renderConfig(cmd.OutOrStdout(), &shown)

			return nil
		},
	})

	return cmd
}

// renderConfig prints cfg grouped the way the config file is.
func renderConfig(w io.Writer, cfg *config.Resolved) {
	fmt.Fprintf(w, "# config: %s\n# data:   %s\n\n", cfg.ConfigPath, cfg.DataDir)

	fmt.Fprintln(w, "[server]")
	fmt.Fprintf(w, "base_url = %q\n", cfg.BaseURL)
	fmt.Fprintf(w, "user_agent = %q\n", cfg.UserAgent)
	fmt.Fprintf(w, "connect_timeout = %q\n", cfg.ConnectTimeout)
	fmt.Fprintf(w, "request_timeout = %q\n\n", cfg.RequestTimeout)

	fmt.Fprintln(w, "[session]")
	fmt.Fprintf(w, "liveness_interval = %q\n", cfg.LivenessInterval)
	fmt.Fprintf(w, "broadcast = %q\n", cfg.Broadcast)

	if cfg.RedisURL != "" {
		fmt.Fprintf(w, "redis_url = %q\n", cfg.RedisURL)
	}

	fmt.Fprintf(w, "channel = %q\n\n", cfg.Channel)

	fmt.Fprintln(w, "[upload]")
	fmt.Fprintf(w, "multipart_threshold = %q\n", formatSize(cfg.MultipartThreshold))
	fmt.Fprintf(w, "default_chunk_size = %q\n", formatSize(cfg.DefaultChunkSize))
	fmt.Fprintf(w, "part_concurrency = %d\n", cfg.PartConcurrency)

	if cfg.BandwidthLimit > 0 {
		fmt.Fprintf(w, "bandwidth_limit = %q\n", formatRate(float64(cfg.BandwidthLimit)))
	} else {
		fmt.Fprintln(w, `bandwidth_limit = "unlimited"`)
	}

	fmt.Fprintf(w, "speed_sample_interval = %q\n\n", cfg.SpeedSampleInterval)

	fmt.Fprintln(w, "[logging]")
	fmt.Fprintf(w, "log_level = %q\n", cfg.LogLevel)
	fmt.Fprintf(w, "log_format = %q\n", cfg.LogFormat)

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "\n[metrics]\nlisten_addr = %q\n", cfg.MetricsAddr)
	}
}

// redactURL hides a password embedded in a connection URL.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid)"
	}

	return u.Redacted()
}
