// Package fireauth wires together the JWT, JWKS, OAuth2 credential,
// Identity Toolkit client, ID-token manager, and cookie session middleware
// into a single configured instance. Configuration is loaded with koanf:
// registered defaults, an optional YAML file, then environment variables,
// each layer overriding the last.
package fireauth

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/KG0517/next-firebase-auth-edge/internal/config"
)

func init() {
	config.RegisterConfigKeys(
		config.ConfigKeyInfo{Key: "loginPath", Description: "Path the session middleware treats as the login endpoint", Type: "string", Default: "/api/login"},
		config.ConfigKeyInfo{Key: "logoutPath", Description: "Path the session middleware treats as the logout endpoint", Type: "string", Default: "/api/logout"},
		config.ConfigKeyInfo{Key: "apiKey", Description: "Firebase Web API key used for Identity Toolkit/Secure Token calls", Type: "string"},
		config.ConfigKeyInfo{Key: "cookieName", Description: "Name of the session cookie", Type: "string", Default: "__session"},
		config.ConfigKeyInfo{Key: "cookieSignatureKeys", Description: "Ordered rotating HMAC keys; head signs, all verify", Type: "[]string"},
		config.ConfigKeyInfo{Key: "cookieSerializeOptions.path", Description: "Cookie Path attribute", Type: "string", Default: "/"},
		config.ConfigKeyInfo{Key: "cookieSerializeOptions.domain", Description: "Cookie Domain attribute", Type: "string"},
		config.ConfigKeyInfo{Key: "cookieSerializeOptions.httpOnly", Description: "Cookie HttpOnly attribute", Type: "bool", Default: true},
		config.ConfigKeyInfo{Key: "cookieSerializeOptions.secure", Description: "Cookie Secure attribute", Type: "bool", Default: true},
		config.ConfigKeyInfo{Key: "cookieSerializeOptions.sameSite", Description: "Cookie SameSite attribute: Strict, Lax, or None", Type: "string", Default: "Lax"},
		config.ConfigKeyInfo{Key: "cookieSerializeOptions.maxAge", Description: "Cookie Max-Age attribute", Type: "duration", Default: "720h"},
		config.ConfigKeyInfo{Key: "serviceAccount.projectId", Description: "Firebase project ID", Type: "string"},
		config.ConfigKeyInfo{Key: "serviceAccount.clientEmail", Description: "Service account client email", Type: "string"},
		config.ConfigKeyInfo{Key: "serviceAccount.privateKey", Description: "Service account PEM private key", Type: "string"},
		config.ConfigKeyInfo{Key: "tenantId", Description: "Optional Identity Platform tenant ID", Type: "string"},
		config.ConfigKeyInfo{Key: "redirectOptions.path", Description: "Path to redirect unauthenticated requests to", Type: "string"},
		config.ConfigKeyInfo{Key: "redirectOptions.paramName", Description: "Query param carrying the original URL on redirect", Type: "string", Default: "redirect"},
		config.ConfigKeyInfo{Key: "checkRevoked", Description: "Whether verifyIdToken checks token revocation against Identity Toolkit", Type: "bool", Default: false},
		config.ConfigKeyInfo{Key: "debug", Description: "Enables verbose debug logging", Type: "bool", Default: false},
	)
}

// Config is the process-wide, koanf-backed configuration instance.
var Config = koanf.New(".")

// EnvPrefix-transformed environment variables are recognized with this
// prefix, e.g. FBA__COOKIE_NAME=__session -> cookieName.
const envPrefix = config.EnvPrefix

// LoadConfigDefaults loads registered defaults into Config. Call after all
// init()-time RegisterConfigKeys calls have run.
func LoadConfigDefaults() error {
	return Config.Load(confmap.Provider(config.DefaultConfigs(), "."), nil)
}

// LoadConfigFile loads a YAML config file if present at path, silently
// doing nothing if the file does not exist.
func LoadConfigFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return Config.Load(file.Provider(path), yaml.Parser())
}

// LoadConfigEnv loads recognized FBA__-prefixed environment variables into
// Config, applying the double-underscore-to-dot / underscore-to-camelCase
// transform.
func LoadConfigEnv() error {
	return Config.Load(env.Provider(envPrefix, ".", config.TransformEnv), nil)
}

// Load runs the full load sequence: defaults, optional file, then
// environment, so environment variables always win. If configFilePath is
// empty, Load searches the working directory and its ancestors for
// config.DefaultConfigFileName before giving up on a file entirely.
func Load(configFilePath string) error {
	if err := LoadConfigDefaults(); err != nil {
		return fmt.Errorf("loading config defaults: %w", err)
	}
	if configFilePath == "" {
		configFilePath = config.SearchForConfig(config.DefaultConfigFileName, ".")
	}
	if configFilePath != "" {
		if err := LoadConfigFile(configFilePath); err != nil {
			return fmt.Errorf("loading config file %s: %w", configFilePath, err)
		}
	}
	if err := LoadConfigEnv(); err != nil {
		return fmt.Errorf("loading config from environment: %w", err)
	}

	if warnings := config.ValidateConfigKeys(Config); len(warnings) > 0 {
		fmt.Fprint(os.Stderr, config.FormatValidationWarnings(warnings))
	}

	return nil
}

// ConfigString returns a registered string config value.
func ConfigString(key string) string { return Config.String(key) }

// ConfigBool returns a registered bool config value.
func ConfigBool(key string) bool { return Config.Bool(key) }

// ConfigStrings returns a registered []string config value.
func ConfigStrings(key string) []string { return Config.Strings(key) }

// ConfigDuration returns a registered duration config value.
func ConfigDuration(key string) time.Duration { return Config.Duration(key) }
