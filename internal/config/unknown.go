package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each section to its valid keys, with "" holding the flat
// top-level keys. Lists stay sorted for deterministic suggestions when two
// candidates share an edit distance.
var knownKeys = map[string][]string{
	"":         {"db_path", "listen_addr", "log_format", "log_level"},
	"tick":     {"backfill", "bps_window", "domain_timeout", "idle_waits", "per_domain_cap"},
	"defaults": {"bps_limit", "fetch_timeout", "proxy_default", "retries", "retry_http", "retry_max_delay", "retry_min_delay", "retry_proxies"},
	"fetch":    {"rate_burst", "rate_limit", "user_agent"},
	"proxy":    {"enabled", "endpoints", "file", "refresh_interval"},
}

// knownSections is the sorted list of section names for suggestions.
var knownSections = []string{"defaults", "fetch", "proxy", "tick"}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each. Strictness is deliberate:
// silently ignoring a typo in a config file leads to hard-to-debug behavior.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		errs = append(errs, unknownKeyError(key.String()))
	}

	return errors.Join(errs...)
}

// unknownKeyError builds a descriptive error for one undecoded key, section
// qualified like "tick.per_domain_caps" or flat like "db_paht".
func unknownKeyError(key string) error {
	section, leaf, nested := strings.Cut(key, ".")
	if !nested {
		if suggestion := closestMatch(key, knownKeys[""]); suggestion != "" {
			return fmt.Errorf("unknown config key %q — did you mean %q?", key, suggestion)
		}

		return fmt.Errorf("unknown config key %q", key)
	}

	sectionKeys, ok := knownKeys[section]
	if !ok {
		if suggestion := closestMatch(section, knownSections); suggestion != "" {
			return fmt.Errorf("unknown config section %q — did you mean [%s]?", section, suggestion)
		}

		return fmt.Errorf("unknown config section %q", section)
	}

	if slices.Contains(sectionKeys, leaf) {
		return fmt.Errorf("config key %q does not take nested values", section+"."+leaf)
	}

	if suggestion := closestMatch(leaf, sectionKeys); suggestion != "" {
		return fmt.Errorf("unknown key %q in [%s] — did you mean %q?", leaf, section, suggestion)
	}

	return fmt.Errorf("unknown key %q in [%s]", leaf, section)
}

// closestMatch finds the closest known key by Levenshtein distance, or ""
// when no match is within maxLevenshteinDistance.
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

	for i := 0; i < len(a); i++ {
		curr[0] = i + 1

		for j := 0; j < len(b); j++ {
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
