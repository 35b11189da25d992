// Package config backs fireauth's koanf configuration with a registry of
// known keys, so config.go can supply defaults and flag typos in a YAML
// file or FBA__ environment variable before they turn into a confusing
// runtime failure three layers down.
package config

import (
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// ConfigKeyInfo documents one recognized configuration key.
type ConfigKeyInfo struct {
	Key         string      // full dotted path, e.g. "cookieSerializeOptions.sameSite"
	Description string      // human-readable description, surfaced nowhere yet but kept for future docs generation
	Type        string      // "string", "int", "bool", "duration", "[]string", ...
	Default     interface{} // zero value means "no default"
	Deprecated  bool
	ReplacedBy  string // set when Deprecated is true
}

var (
	registry   = make(map[string]ConfigKeyInfo)
	registryMu sync.RWMutex
)

// RegisterConfigKeys records the keys fireauth.Load expects to see, so that
// unrecognized keys in a config file or environment can be flagged as
// probable typos instead of silently ignored.
func RegisterConfigKeys(infos ...ConfigKeyInfo) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, info := range infos {
		registry[info.Key] = info
	}
}

// LookupConfigKey returns the registered metadata for key, if any.
func LookupConfigKey(key string) (ConfigKeyInfo, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	info, exists := registry[key]
	return info, exists
}

// AllRegisteredKeys returns every registered key, sorted alphabetically.
func AllRegisteredKeys() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultConfigs returns every registered key that carries a Default,
// keyed by its dotted path, for loading as the base layer of Config.
func DefaultConfigs() map[string]interface{} {
	registryMu.RLock()
	defer registryMu.RUnlock()

	defaults := make(map[string]interface{})
	for key, info := range registry {
		if info.Default != nil {
			defaults[key] = info.Default
		}
	}
	return defaults
}

// FindSimilarKeys returns up to maxResults registered keys that look like
// plausible typos of key, most-similar first. Combines Levenshtein edit
// distance with a bonus for keys sharing key's namespace prefix.
func FindSimilarKeys(key string, maxResults int) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	type scored struct {
		key   string
		score int // lower is better
	}

	var candidates []scored
	keyPrefix := getPrefix(key)

	for registeredKey := range registry {
		score := calculateSimilarity(key, registeredKey, keyPrefix)
		if score <= 3 {
			candidates = append(candidates, scored{registeredKey, score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	result := make([]string, 0, maxResults)
	for i := 0; i < len(candidates) && i < maxResults; i++ {
		result = append(result, candidates[i].key)
	}
	return result
}

// calculateSimilarity scores how close key2 is to key1; lower is closer.
// Keys sharing a namespace prefix get a one-point discount, since a typo
// inside a known section ("cookieSerializeOptions.sameSight") is more
// likely than a coincidentally close key in an unrelated section.
func calculateSimilarity(key1, key2, key1Prefix string) int {
	distance := levenshtein.ComputeDistance(key1, key2)

	key2Prefix := getPrefix(key2)
	if key1Prefix != "" && key1Prefix == key2Prefix && distance > 0 {
		distance--
	}
	return distance
}

// getPrefix returns the portion of a dotted key before its last segment,
// e.g. "cookieSerializeOptions" for "cookieSerializeOptions.sameSite".
func getPrefix(key string) string {
	lastDot := strings.LastIndex(key, ".")
	if lastDot == -1 {
		return ""
	}
	return key[:lastDot]
}

// hasRegisteredPrefix reports whether key falls under a registered
// namespace, i.e. whether one of its parent paths is itself a registered
// key: "serviceAccount.extra" is tolerated once "serviceAccount" is
// registered. Registered sibling keys such as "serviceAccount.projectId"
// do not count, so a typo beside a known key is still flagged.
func hasRegisteredPrefix(key string) bool {
	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i > 0; i-- {
		if _, exists := LookupConfigKey(strings.Join(parts[:i], ".")); exists {
			return true
		}
	}
	return false
}
