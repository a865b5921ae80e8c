package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/tonimelisma/crdrive/internal/upload"
)

// statusf writes a status line to w unless quiet is set.
func statusf(w io.Writer, quiet bool, format string, args ...any) {
	if quiet {
		return
	}

	if w == nil {
		w = os.Stderr
	}

	fmt.Fprintf(w, format, args...)
}

// Statusf prints a status message to stderr unless --quiet is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Stderr, cc.Flags.Quiet, format, args...)
}

const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 MB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeTB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(sizeTB))
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatRate renders a bytes-per-second figure, "-" before the first sample.
func formatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 || math.IsInf(bytesPerSec, 0) || math.IsNaN(bytesPerSec) {
		return "-"
	}

	return formatSize(int64(bytesPerSec)) + "/s"
}

// formatETA renders remaining seconds as a rounded duration.
func formatETA(seconds float64) string {
	if seconds <= 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return "-"
	}

	d := time.Duration(seconds * float64(time.Second))
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	return d.Round(time.Minute).String()
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	now := time.Now()

	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	return t.Format("Jan _2  2006")
}

// progressLine is the single-line live view of one task.
func progressLine(t upload.Task) string {
	switch t.Status {
	case upload.StatusCompleted:
		return fmt.Sprintf("%s  done  %s", t.Name, formatSize(t.Size))
	case upload.StatusError:
		return fmt.Sprintf("%s  failed: %s", t.Name, t.Error)
	case upload.StatusPending:
		return fmt.Sprintf("%s  queued", t.Name)
	}

	return fmt.Sprintf("%s  %3d%%  %s / %s  %s  ETA %s  %s",
		t.Name, t.Progress, formatSize(t.Loaded), formatSize(t.Total),
		formatRate(t.Speed), formatETA(t.ETA), t.Message)
}

// printTable writes aligned columns to w. headers and each row must have
// the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
