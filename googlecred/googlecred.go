// Package googlecred implements the service-account OAuth2 credential
// cache: exchanging a self-signed JWT-bearer assertion for a short-lived
// Google access token, the same grant golang.org/x/oauth2/jwt.Config uses,
// wrapped in an explicit cache so the 5-minute refresh threshold and
// never-return-expired invariants are enforced by this package rather than
// assumed from the library's internal behavior.
package googlecred

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/KG0517/next-firebase-auth-edge/jwt"
)

// TokenEndpoint is the fixed Google OAuth2 token endpoint the assertion is
// exchanged at.
const TokenEndpoint = "https://accounts.google.com/o/oauth2/token"

// Scopes is the fixed scope list spec §4.4 requires.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/firebase.database",
	"https://www.googleapis.com/auth/firebase.messaging",
	"https://www.googleapis.com/auth/identitytoolkit",
	"https://www.googleapis.com/auth/userinfo.email",
}

// refreshThreshold is how close to expiry a cached token may get before
// TokenSource treats it as needing a refresh.
const refreshThreshold = 5 * time.Minute

// ServiceAccount is the immutable triple this package signs assertions
// with.
type ServiceAccount struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  []byte // PEM, PKCS#8 RSA
}

// cachedToken is the AccessTokenCache data model: at most one live token
// per process.
type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// TokenSource caches a single live access token for a service account,
// refreshing it via a self-signed JWT-bearer assertion when stale.
type TokenSource struct {
	sa ServiceAccount

	httpClient *http.Client
	clock      func() time.Time

	mu    sync.Mutex
	cache *cachedToken
}

// Option configures a TokenSource.
type Option func(*TokenSource)

// WithHTTPClient overrides the client used to call the token endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(ts *TokenSource) { ts.httpClient = client }
}

// WithClock overrides the source's notion of now, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(ts *TokenSource) { ts.clock = clock }
}

// New constructs a TokenSource for the given service account.
func New(sa ServiceAccount, opts ...Option) *TokenSource {
	ts := &TokenSource{sa: sa, httpClient: http.DefaultClient, clock: time.Now}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// AccessToken returns a live access token, refreshing if the cached one is
// within refreshThreshold of expiry or forceRefresh is set.
func (ts *TokenSource) AccessToken(ctx context.Context, forceRefresh bool) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !forceRefresh && ts.cache != nil && ts.cache.expiresAt.Sub(ts.clock()) > refreshThreshold {
		return ts.cache.accessToken, nil
	}

	token, expiresIn, err := ts.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	ts.cache = &cachedToken{
		accessToken: token,
		expiresAt:   ts.clock().Add(time.Duration(expiresIn) * time.Second),
	}
	return token, nil
}

// fetchToken performs the JWT-bearer assertion exchange (spec §4.4 steps
// 1-4).
func (ts *TokenSource) fetchToken(ctx context.Context) (string, int, error) {
	now := ts.clock()
	assertion := map[string]interface{}{
		"aud":   TokenEndpoint,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"iss":   ts.sa.ClientEmail,
		"sub":   ts.sa.ClientEmail,
		"scope": strings.Join(Scopes, " "),
	}

	signed, err := jwt.SignPEM(assertion, ts.sa.PrivateKey, "")
	if err != nil {
		return "", 0, err
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", signed)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", 0, ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, diagnoseError(resp, body)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" || out.ExpiresIn == 0 {
		return "", 0, ferrors.New(fmt.Errorf("malformed token response: %s", body), ferrors.CodeInvalidCredential)
	}

	return out.AccessToken, out.ExpiresIn, nil
}

// oauth2ErrorBody is the error envelope accounts.google.com actually
// returns, distinct from the {"error": {"code","message"}} shape
// googleapi.CheckResponse expects.
type oauth2ErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// diagnoseError turns a non-200 token-endpoint response into an actionable
// *ferrors.Error, flagging invalid_grant with the clock-skew/revoked-key
// hint spec §4.4 asks for. It tries the googleapi JSON error envelope
// first, since other Google APIs used alongside this one (Identity
// Toolkit, AppCheck) do use that shape, then falls back to the OAuth2
// token-endpoint's own error/error_description fields.
func diagnoseError(resp *http.Response, body []byte) error {
	checked := *resp
	checked.Body = io.NopCloser(strings.NewReader(string(body)))
	if gerr := googleapi.CheckResponse(&checked); gerr != nil {
		if gapiErr, ok := gerr.(*googleapi.Error); ok && gapiErr.Message != "" {
			return wrapInvalidGrant(gapiErr.Message, body)
		}
	}

	var oe oauth2ErrorBody
	if err := json.Unmarshal(body, &oe); err == nil && oe.Error != "" {
		msg := oe.Error
		if oe.ErrorDescription != "" {
			msg = oe.Error + ": " + oe.ErrorDescription
		}
		return wrapInvalidGrant(msg, body)
	}

	return ferrors.New(fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, body), ferrors.CodeInvalidCredential)
}

func wrapInvalidGrant(msg string, body []byte) error {
	if strings.Contains(msg, "invalid_grant") || strings.Contains(string(body), "invalid_grant") {
		return ferrors.New(
			fmt.Errorf("invalid_grant from token endpoint: %s (likely clock skew between this host and Google, or a revoked/rotated service-account key)", msg),
			ferrors.CodeInvalidCredential,
		)
	}
	return ferrors.New(fmt.Errorf("token endpoint error: %s", msg), ferrors.CodeInvalidCredential)
}
