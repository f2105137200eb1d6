package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps section name to the valid keys inside it. The empty section
// name holds valid top-level table names.
var knownKeys = map[string]map[string]bool{
	"": {
		"core": true, "server": true, "pikpak": true, "linode": true,
		"proxy": true, "aria2": true, "scheduler": true,
	},
	"core": {
		"database_path": true, "download_base_path": true, "previews_path": true,
		"log_level": true, "log_format": true,
	},
	"server": {
		"listen": true,
	},
	"pikpak": {
		"username": true, "password": true,
	},
	"linode": {
		"token": true, "region": true, "type": true, "hourly_cost": true,
	},
	"proxy": {
		"port": true, "username": true, "password": true,
	},
	"aria2": {
		"rpc_url": true, "rpc_secret": true, "notifications": true,
	},
	"scheduler": {
		"confirm_interval_seconds": true, "push_interval_seconds": true,
		"monitor_interval_seconds": true, "cleanup_interval_seconds": true,
		"aggregation_window_minutes": true, "batch_task_threshold": true,
		"idle_destroy_minutes": true,
	},
}

// sortedKeys returns the sorted key list of a section for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
func sortedKeys(section string) []string {
	m := knownKeys[section]

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		errs = append(errs, buildKeyError(key.String()))
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an unknown key, optionally
// suggesting the closest known key within the same section.
func buildKeyError(keyStr string) error {
	parts := strings.SplitN(keyStr, ".", 2)

	if len(parts) == 1 {
		suggestion := closestMatch(parts[0], sortedKeys(""))
		if suggestion != "" {
			return fmt.Errorf("unknown config section %q (did you mean %q?)", parts[0], suggestion)
		}

		return fmt.Errorf("unknown config section %q", parts[0])
	}

	section, field := parts[0], parts[1]
	if _, ok := knownKeys[section]; !ok {
		return fmt.Errorf("unknown config section %q", section)
	}

	suggestion := closestMatch(field, sortedKeys(section))
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q in [%s] (did you mean %q?)", field, section, suggestion)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
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

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
