// Package cookiesign implements the rotating-key HMAC cookie signer and the
// bit-exact cookie attribute serializer of spec §4.7/§4.8: binding an
// (ID token, refresh token, custom token?) payload into a single cookie
// value signatures can be rotated out from under without invalidating
// every existing session at once.
package cookiesign

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/KG0517/next-firebase-auth-edge/internal/codec"
)

// Payload is the JSON body carried inside the cookie.
type Payload struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	CustomToken  string `json:"customToken,omitempty"`
}

// KeyList is the SigningKeyList data model: an ordered, non-empty sequence
// of secrets. The head signs; the whole list is tried on verification.
type KeyList []string

// Sign composes base64url(payload) + "." + base64url(HMAC-SHA256(...))
// using keys[0], failing if keys is empty.
func Sign(payload Payload, keys KeyList) (string, error) {
	if len(keys) == 0 {
		return "", ferrors.New(fmt.Errorf("signing key list is empty"), ferrors.CodeCryptoKeyInvalid)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", ferrors.Wrap(err, 0).WithCode(ferrors.CodeSignFailed)
	}

	encodedPayload := codec.B64URLEncode(body)
	sig := mac(encodedPayload, keys[0])
	return encodedPayload + "." + codec.B64URLEncode(sig), nil
}

// Verify splits value on the last ".", and accepts if the signature
// matches any key in keys, per spec §4.7 and the rotating-verification
// property of spec §8.
func Verify(value string, keys KeyList) (Payload, error) {
	idx := strings.LastIndex(value, ".")
	if idx < 0 {
		return Payload{}, ferrors.New(fmt.Errorf("malformed cookie value"), ferrors.CodeInvalidCredential)
	}
	encodedPayload, encodedSig := value[:idx], value[idx+1:]

	sig, err := codec.B64URLDecode(encodedSig)
	if err != nil {
		return Payload{}, ferrors.New(fmt.Errorf("malformed cookie signature"), ferrors.CodeInvalidCredential)
	}

	matched := false
	for _, key := range keys {
		expected := mac(encodedPayload, key)
		if subtle.ConstantTimeCompare(sig, expected) == 1 {
			matched = true
			break
		}
	}
	if !matched {
		return Payload{}, ferrors.New(fmt.Errorf("cookie signature does not match any configured key"), ferrors.CodeInvalidSignature)
	}

	rawPayload, err := codec.B64URLDecode(encodedPayload)
	if err != nil {
		return Payload{}, ferrors.New(fmt.Errorf("malformed cookie payload"), ferrors.CodeInvalidCredential)
	}

	var payload Payload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return Payload{}, ferrors.New(fmt.Errorf("malformed cookie payload JSON"), ferrors.CodeInvalidCredential)
	}

	return payload, nil
}

func mac(encodedPayload, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(encodedPayload))
	return h.Sum(nil)
}

// SerializeOptions controls the cookie attributes composed by Serialize,
// per spec §4.8's fixed order.
type SerializeOptions struct {
	Path     string
	Domain   string
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
	MaxAge   time.Duration
}

// Serialize composes a Set-Cookie value in the fixed attribute order spec
// §4.8 requires: Name=Value; Max-Age; Domain; Path; Expires; HttpOnly;
// Secure; SameSite. Each attribute is present only when set.
func Serialize(name, value string, opts SerializeOptions, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s", name, value)

	if opts.MaxAge != 0 {
		fmt.Fprintf(&b, "; Max-Age=%d", int(opts.MaxAge.Seconds()))
	}
	if opts.Domain != "" {
		fmt.Fprintf(&b, "; Domain=%s", opts.Domain)
	}
	if opts.Path != "" {
		fmt.Fprintf(&b, "; Path=%s", opts.Path)
	}
	if opts.MaxAge != 0 {
		fmt.Fprintf(&b, "; Expires=%s", now.Add(opts.MaxAge).UTC().Format(http.TimeFormat))
	}
	if opts.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if opts.Secure {
		b.WriteString("; Secure")
	}
	if s := sameSiteString(opts.SameSite); s != "" {
		fmt.Fprintf(&b, "; SameSite=%s", s)
	}

	return b.String()
}

// SerializeExpired composes the logout cookie: an empty value, Max-Age=0,
// and an epoch Expires, per spec §4.8.
func SerializeExpired(name string, opts SerializeOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=", name)
	b.WriteString("; Max-Age=0")
	if opts.Domain != "" {
		fmt.Fprintf(&b, "; Domain=%s", opts.Domain)
	}
	if opts.Path != "" {
		fmt.Fprintf(&b, "; Path=%s", opts.Path)
	}
	b.WriteString("; Expires=Thu, 01 Jan 1970 00:00:00 GMT")
	return b.String()
}

// ParseSameSite reads a config/attribute string ("strict", "lax", "none",
// case-insensitive) into an http.SameSite, defaulting to http.SameSiteDefaultMode
// (0) for anything else.
func ParseSameSite(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}

func sameSiteString(s http.SameSite) string {
	switch s {
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}

// Parse reads the attributes of a cookie header value back into
// SerializeOptions plus name/value, tolerant of attribute order and
// case-insensitive attribute names, per spec §4.8.
func Parse(cookieHeaderValue string) (name, value string, opts SerializeOptions, err error) {
	parts := strings.Split(cookieHeaderValue, ";")
	if len(parts) == 0 {
		return "", "", SerializeOptions{}, ferrors.New(fmt.Errorf("empty cookie header"), ferrors.CodeInvalidArgument)
	}

	nv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
	name = strings.TrimSpace(nv[0])
	if len(nv) > 1 {
		value = nv[1]
	}

	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		kv := strings.SplitN(attr, "=", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		var attrValue string
		if len(kv) > 1 {
			attrValue = strings.TrimSpace(kv[1])
		}

		switch key {
		case "domain":
			opts.Domain = attrValue
		case "path":
			opts.Path = attrValue
		case "max-age":
			if seconds, convErr := strconv.Atoi(attrValue); convErr == nil {
				opts.MaxAge = time.Duration(seconds) * time.Second
			}
		case "httponly":
			opts.HTTPOnly = true
		case "secure":
			opts.Secure = true
		case "samesite":
			opts.SameSite = ParseSameSite(attrValue)
		}
	}

	return name, value, opts, nil
}
