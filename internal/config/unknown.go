package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance bounds "did you mean" suggestions.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"server":  {"base_url", "connect_timeout", "request_timeout", "user_agent"},
	"session": {"broadcast", "channel", "data_dir", "liveness_interval", "redis_url"},
	"upload": {
		"bandwidth_limit", "default_chunk_size", "multipart_threshold",
		"part_concurrency", "speed_sample_interval",
	},
	"logging": {"log_format", "log_level"},
	"metrics": {"listen_addr"},
}

// knownSections is sorted so equal-distance suggestions are deterministic.
var knownSections = func() []string {
	s := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		s = append(s, k)
	}

	slices.Sort(s)

	return s
}()

// checkUnknownKeys turns every undecoded key into an error, suggesting the
// closest known section or key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	section := key[0]

	keys, ok := knownKeys[section]
	if !ok || len(key) == 1 {
		if s := closestMatch(section, knownSections); s != "" && s != section {
			return fmt.Errorf("unknown config section %q, did you mean [%s]?", section, s)
		}

		return fmt.Errorf("unknown config key %q", key.String())
	}

	field := key[1]
	if s := closestMatch(field, keys); s != "" {
		return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", field, section, s)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// closestMatch finds the known key with the smallest edit distance, or ""
// when none is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings, one row at
// a time.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
