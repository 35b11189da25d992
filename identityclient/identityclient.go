// Package identityclient speaks the three Identity Toolkit / Secure Token
// REST endpoints this module depends on: custom-token exchange, refresh-
// token exchange, and user lookup (the revocation/disabled check), plus the
// administrative user-delete probe. All requests honor
// FIREBASE_AUTH_EMULATOR_HOST the way the rest of the Firebase Admin SDKs
// do, redirecting to the emulator and accepting any API key.
package identityclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/KG0517/next-firebase-auth-edge/googlecred"
)

const (
	identityToolkitHost = "https://identitytoolkit.googleapis.com"
	secureTokenHost     = "https://securetoken.googleapis.com"
)

// Client talks to the Identity Toolkit and Secure Token APIs for one
// Firebase project, optionally scoped to a tenant.
type Client struct {
	ProjectID string
	TenantID  string
	APIKey    string

	Credentials *googlecred.TokenSource

	httpClient   *http.Client
	emulatorHost string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithEmulatorHost forces emulator redirection, overriding the
// FIREBASE_AUTH_EMULATOR_HOST environment variable (mainly for tests).
func WithEmulatorHost(host string) Option {
	return func(cl *Client) { cl.emulatorHost = host }
}

// New constructs a Client, reading FIREBASE_AUTH_EMULATOR_HOST from the
// environment unless overridden by WithEmulatorHost.
func New(projectID, tenantID, apiKey string, creds *googlecred.TokenSource, opts ...Option) *Client {
	c := &Client{
		ProjectID:    projectID,
		TenantID:     tenantID,
		APIKey:       apiKey,
		Credentials:  creds,
		httpClient:   http.DefaultClient,
		emulatorHost: emulatorHostFromEnv(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func emulatorHostFromEnv() string {
	return os.Getenv("FIREBASE_AUTH_EMULATOR_HOST")
}

// Emulator reports whether this client is redirected to the auth emulator.
func (c *Client) Emulator() bool { return c.emulatorHost != "" }

func (c *Client) identityToolkitBase() string {
	if c.Emulator() {
		return fmt.Sprintf("http://%s/identitytoolkit.googleapis.com", c.emulatorHost)
	}
	return identityToolkitHost
}

func (c *Client) secureTokenBase() string {
	if c.Emulator() {
		return fmt.Sprintf("http://%s/securetoken.googleapis.com", c.emulatorHost)
	}
	return secureTokenHost
}

func (c *Client) projectPath() string {
	if c.TenantID != "" {
		return fmt.Sprintf("projects/%s/tenants/%s", c.ProjectID, c.TenantID)
	}
	return fmt.Sprintf("projects/%s", c.ProjectID)
}

// Tokens is the (ID token, refresh token) pair exchanges produce.
type Tokens struct {
	IDToken      string
	RefreshToken string
}

// SignInWithCustomToken exchanges a custom token minted by this process for
// an (ID token, refresh token) pair.
func (c *Client) SignInWithCustomToken(ctx context.Context, customToken, appCheckToken string) (Tokens, error) {
	body := map[string]interface{}{
		"token":             customToken,
		"returnSecureToken": true,
	}
	if c.TenantID != "" {
		body["tenantId"] = c.TenantID
	}

	reqURL := fmt.Sprintf("%s/v1/%s/accounts:signInWithCustomToken?key=%s",
		c.identityToolkitBase(), c.projectPath(), url.QueryEscape(c.APIKey))

	headers := map[string]string{}
	if appCheckToken != "" {
		headers["X-Firebase-AppCheck"] = appCheckToken
	}

	var out struct {
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.postJSON(ctx, reqURL, body, headers, &out); err != nil {
		return Tokens{}, err
	}
	return Tokens{IDToken: out.IDToken, RefreshToken: out.RefreshToken}, nil
}

// ExchangeRefreshToken redeems refreshToken for a fresh (ID token, refresh
// token) pair via the Secure Token endpoint.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (Tokens, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	reqURL := fmt.Sprintf("%s/v1/token?key=%s", c.secureTokenBase(), url.QueryEscape(c.APIKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Tokens{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tokens{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}

	if resp.StatusCode != http.StatusOK {
		return Tokens{}, mapUpstreamError(respBody)
	}

	var out struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Tokens{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeInvalidCredential)
	}
	return Tokens{IDToken: out.IDToken, RefreshToken: out.RefreshToken}, nil
}

// LookupResult is the revocation/disabled state for one user, per spec
// §4.5.
type LookupResult struct {
	Found      bool
	Disabled   bool
	ValidSince int64 // seconds since epoch
}

// LookupUser fetches the validSince/disabled state for uid, authenticated
// with the service account's access token.
func (c *Client) LookupUser(ctx context.Context, uid string) (LookupResult, error) {
	reqURL := fmt.Sprintf("%s/v1/%s/accounts:lookup", c.identityToolkitBase(), c.projectPath())
	body := map[string]interface{}{"localId": []string{uid}}

	var out struct {
		Users []struct {
			LocalID    string `json:"localId"`
			Disabled   bool   `json:"disabled"`
			ValidSince string `json:"validSince"`
		} `json:"users"`
	}

	if err := c.postJSONAuthenticated(ctx, reqURL, body, &out); err != nil {
		return LookupResult{}, err
	}

	if len(out.Users) == 0 {
		return LookupResult{Found: false}, nil
	}

	u := out.Users[0]
	validSince, _ := strconv.ParseInt(u.ValidSince, 10, 64)
	return LookupResult{Found: true, Disabled: u.Disabled, ValidSince: validSince}, nil
}

// DeleteUser is the administrative user-delete probe.
func (c *Client) DeleteUser(ctx context.Context, uid string) error {
	reqURL := fmt.Sprintf("%s/v1/%s/accounts:delete", c.identityToolkitBase(), c.projectPath())
	body := map[string]interface{}{"localId": uid}
	return c.postJSONAuthenticated(ctx, reqURL, body, &struct{}{})
}

func (c *Client) postJSON(ctx context.Context, reqURL string, body interface{}, headers map[string]string, out interface{}) error {
	return c.doPostJSON(ctx, reqURL, body, headers, out)
}

func (c *Client) postJSONAuthenticated(ctx context.Context, reqURL string, body interface{}, out interface{}) error {
	headers := map[string]string{}
	if c.Credentials != nil {
		token, err := c.Credentials.AccessToken(ctx, false)
		if err != nil {
			return err
		}
		headers["Authorization"] = "Bearer " + token
	}
	return c.doPostJSON(ctx, reqURL, body, headers, out)
}

func (c *Client) doPostJSON(ctx context.Context, reqURL string, body interface{}, headers map[string]string, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return ferrors.Wrap(err, 0).WithCode(ferrors.CodeInvalidArgument)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(string(payload)))
	if err != nil {
		return ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}

	if resp.StatusCode != http.StatusOK {
		return mapUpstreamError(respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return ferrors.Wrap(err, 0).WithCode(ferrors.CodeInvalidCredential)
	}
	return nil
}

// upstreamErrorBody is the {"error": {"message": "..."}} envelope Identity
// Toolkit and Secure Token both return.
type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// upstreamCodeTable maps upstream error-message prefixes to this module's
// taxonomy, per spec §4.5.
var upstreamCodeTable = map[string]ferrors.Code{
	"USER_NOT_FOUND":        ferrors.CodeUserNotFound,
	"USER_DISABLED":         ferrors.CodeUserDisabled,
	"TOKEN_EXPIRED":         ferrors.CodeTokenExpired,
	"INVALID_CREDENTIAL":    ferrors.CodeInvalidCredential,
	"INVALID_REFRESH_TOKEN": ferrors.CodeInvalidCredential,
	"TOKEN_REVOKED":         ferrors.CodeTokenRevoked,
}

func mapUpstreamError(body []byte) error {
	var env upstreamErrorBody
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Message == "" {
		return ferrors.New(fmt.Errorf("unparseable upstream response: %s", body), ferrors.CodeInternalError)
	}

	msg := env.Error.Message
	for prefix, code := range upstreamCodeTable {
		if strings.HasPrefix(msg, prefix) {
			return ferrors.New(fmt.Errorf("%s", msg), code)
		}
	}
	return ferrors.New(fmt.Errorf("%s", msg), ferrors.CodeInvalidCredential)
}
