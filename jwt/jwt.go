// Package jwt implements the RS256 signer and verifier at the base of this
// module: minting service-account-signed tokens (custom tokens, AppCheck
// tokens, OAuth2 assertions) and verifying Firebase-issued ID tokens against
// a rotating set of public keys resolved by kid.
package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/KG0517/next-firebase-auth-edge/internal/codec"
)

// KeyFetcher resolves the set of public keys a verifier may check a
// signature against, keyed by kid. jwks.Cache is the production
// implementation; tests may supply a fixed map.
type KeyFetcher interface {
	Keys(ctx context.Context) (map[string]*rsa.PublicKey, error)
}

// header is the subset of the JWT protected header this package reads.
type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// Sign composes header.payload.signature under RS256 using privateKey,
// tagging the header with keyID when non-empty. payload becomes the JWT
// claim set.
func Sign(payload map[string]interface{}, privateKey *rsa.PrivateKey, keyID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(payload))
	if keyID != "" {
		token.Header["kid"] = keyID
	}
	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", ferrors.Wrap(err, 0).WithCode(ferrors.CodeSignFailed)
	}
	return signed, nil
}

// SignPEM is Sign, accepting the private key as a PEM-encoded PKCS#8 (or
// PKCS#1) blob, failing with CRYPTO_KEY_INVALID when it cannot be parsed.
func SignPEM(payload map[string]interface{}, pemKey []byte, keyID string) (string, error) {
	key, err := codec.ParsePrivateKey(pemKey)
	if err != nil {
		return "", ferrors.Wrap(err, 0).WithCode(ferrors.CodeCryptoKeyInvalid)
	}
	return Sign(payload, key, keyID)
}

// VerifyOptions parameterizes claim validation.
type VerifyOptions struct {
	Audience string
	Issuer   string

	// CurrentTime overrides time.Now, for deterministic tests.
	CurrentTime func() time.Time

	// SkipSignatureVerification bypasses kid resolution and signature
	// checking — only used when talking to the auth emulator.
	SkipSignatureVerification bool
}

func (o VerifyOptions) now() time.Time {
	if o.CurrentTime != nil {
		return o.CurrentTime()
	}
	return time.Now()
}

// Verify parses token, resolves its signing key by kid via keys, checks the
// RS256 signature, and validates the claim set against opts. It returns the
// decoded claims on success.
func Verify(ctx context.Context, token string, keys KeyFetcher, opts VerifyOptions) (jwt.MapClaims, error) {
	claims, err := parseUnverified(token)
	if err != nil {
		return nil, err
	}

	if !opts.SkipSignatureVerification {
		if err := verifySignature(ctx, token, keys); err != nil {
			return nil, err
		}
	}

	if err := validateClaims(claims, opts); err != nil {
		return nil, err
	}

	return claims, nil
}

// parseUnverified decodes the header and payload of token without checking
// the signature, returning the claim set for downstream validation.
func parseUnverified(token string) (jwt.MapClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ferrors.New(fmt.Errorf("malformed token: expected 3 segments, got %d", len(parts)), ferrors.CodeInvalidArgument)
	}

	payloadBytes, err := codec.B64URLDecode(parts[1])
	if err != nil {
		return nil, ferrors.Wrap(err, 0).WithCode(ferrors.CodeInvalidArgument)
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, ferrors.Wrap(err, 0).WithCode(ferrors.CodeInvalidArgument)
	}

	return claims, nil
}

// verifySignature resolves the token's kid via keys and checks the RS256
// signature, surfacing the taxonomy codes spec §4.2 names.
func verifySignature(ctx context.Context, token string, keys KeyFetcher) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ferrors.New(fmt.Errorf("malformed token"), ferrors.CodeInvalidArgument)
	}

	headerBytes, err := codec.B64URLDecode(parts[0])
	if err != nil {
		return ferrors.Wrap(err, 0).WithCode(ferrors.CodeInvalidArgument)
	}
	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return ferrors.Wrap(err, 0).WithCode(ferrors.CodeInvalidArgument)
	}
	if h.Kid == "" {
		return ferrors.New(fmt.Errorf("token header has no kid"), ferrors.CodeNoKidInHeader)
	}

	keySet, err := keys.Keys(ctx)
	if err != nil {
		return ferrors.Wrap(err, 0).WithCode(ferrors.CodeJWKSFetchFailed)
	}

	pub, ok := keySet[h.Kid]
	if !ok {
		return ferrors.New(fmt.Errorf("no key matching kid %q", h.Kid), ferrors.CodeNoMatchingKid)
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	_, err = parser.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return ferrors.Wrap(err, 0).WithCode(ferrors.CodeInvalidSignature)
	}

	return nil
}

// validateClaims enforces the claim checks in spec §4.2 step 4.
func validateClaims(claims jwt.MapClaims, opts VerifyOptions) error {
	now := opts.now()

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ferrors.New(fmt.Errorf("missing or invalid exp claim"), ferrors.CodeInvalidArgument)
	}
	if !now.Before(exp.Time) {
		return ferrors.New(fmt.Errorf("token expired at %s", exp.Time), ferrors.CodeTokenExpired)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return ferrors.New(fmt.Errorf("missing or invalid iat claim"), ferrors.CodeInvalidArgument)
	}
	if iat.After(now) {
		return ferrors.New(fmt.Errorf("token issued in the future"), ferrors.CodeInvalidArgument)
	}

	if opts.Audience != "" {
		aud, err := claims.GetAudience()
		if err != nil || len(aud) == 0 || !containsString(aud, opts.Audience) {
			return ferrors.New(fmt.Errorf("audience mismatch"), ferrors.CodeInvalidArgument)
		}
	}

	if opts.Issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != opts.Issuer {
			return ferrors.New(fmt.Errorf("issuer mismatch"), ferrors.CodeInvalidArgument)
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return ferrors.New(fmt.Errorf("missing sub claim"), ferrors.CodeInvalidArgument)
	}

	if authTime, ok := claims["auth_time"]; ok {
		seconds, ok := toFloat(authTime)
		if !ok {
			return ferrors.New(fmt.Errorf("invalid auth_time claim"), ferrors.CodeInvalidArgument)
		}
		if time.Unix(int64(seconds), 0).After(now) {
			return ferrors.New(fmt.Errorf("auth_time is in the future"), ferrors.CodeInvalidArgument)
		}
	}

	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
