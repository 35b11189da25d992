package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/iancoleman/strcase"
)

// DefaultConfigFileName is the file fireauth.Load looks for when the
// caller doesn't pass an explicit path.
const DefaultConfigFileName = "fireauth.yaml"

// SearchForConfig walks up from startDir looking for filename, returning
// its absolute path the first time it's found, or "" once it reaches the
// filesystem root without finding it.
func SearchForConfig(filename string, startDir string) string {
	d, err := filepath.Abs(startDir)
	if err != nil {
		return ""
	}

	p := filepath.Join(d, filename)
	if _, err = os.Stat(p); err == nil {
		return p
	}

	parentDir := filepath.Dir(d)
	if parentDir == d {
		return ""
	}
	return SearchForConfig(filename, parentDir)
}

// EnvPrefix is stripped from an environment variable name before
// TransformEnv converts what's left into a dotted config key, e.g.
// FBA__COOKIE_NAME -> cookieName.
const EnvPrefix = "FBA__"

// TransformEnv converts FBA__COOKIE_SERIALIZE_OPTIONS__SAME_SITE into
// cookieSerializeOptions.sameSite:
//   - strip the FBA__ prefix and lowercase the rest
//   - a double underscore (__) becomes a dot, starting a new segment
//   - a single underscore (_) within a segment starts a camelCase word
func TransformEnv(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	segments := strings.Split(s, "__")
	for i, segment := range segments {
		parts := strings.Split(segment, "_")
		for j := 1; j < len(parts); j++ {
			parts[j] = strcase.ToCamel(parts[j])
		}
		segments[i] = strings.Join(parts, "")
	}

	return strings.Join(segments, ".")
}
