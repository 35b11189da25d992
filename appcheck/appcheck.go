// Package appcheck mints and exchanges AppCheck custom tokens: a short-lived
// service-account-signed JWT asserting a specific app instance, exchanged at
// Firebase's AppCheck service for an attestation token client requests can
// carry, per spec §6 and supplemented feature 1 of this module's expanded
// design.
package appcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/KG0517/next-firebase-auth-edge/googlecred"
	"github.com/KG0517/next-firebase-auth-edge/jwt"
)

// CustomTokenTTL is how long the service-account-signed custom token this
// package mints is valid for before AppCheck must exchange it.
const CustomTokenTTL = 30 * time.Minute

// Minter mints and exchanges AppCheck tokens for one Firebase project.
type Minter struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  []byte // PEM, PKCS#8 RSA

	Credentials *googlecred.TokenSource

	httpClient *http.Client
	clock      func() time.Time
	baseURL    string
}

// Option configures a Minter.
type Option func(*Minter)

// WithHTTPClient overrides the client used to call the AppCheck exchange
// endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Minter) { m.httpClient = c }
}

// WithClock overrides the minter's notion of now, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Minter) { m.clock = clock }
}

// WithBaseURL overrides the AppCheck service base URL, for pointing tests
// at an httptest server instead of the production endpoint.
func WithBaseURL(baseURL string) Option {
	return func(m *Minter) { m.baseURL = baseURL }
}

// New constructs a Minter.
func New(projectID, clientEmail string, privateKeyPEM []byte, creds *googlecred.TokenSource, opts ...Option) *Minter {
	m := &Minter{
		ProjectID:   projectID,
		ClientEmail: clientEmail,
		PrivateKey:  privateKeyPEM,
		Credentials: creds,
		httpClient:  http.DefaultClient,
		clock:       time.Now,
		baseURL:     "https://firebaseappcheck.googleapis.com",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token is an AppCheck attestation token and its validity window.
type Token struct {
	Token     string
	ExpiresAt time.Time
}

// mintCustomToken signs the short-lived service-account JWT AppCheck
// expects in exchange for an attestation token.
func (m *Minter) mintCustomToken(appID string) (string, error) {
	now := m.clock()
	payload := map[string]interface{}{
		"iss":    m.ClientEmail,
		"sub":    m.ClientEmail,
		"aud":    "https://firebaseappcheck.googleapis.com/google.firebase.appcheck.v1.TokenExchangeService",
		"iat":    now.Unix(),
		"exp":    now.Add(CustomTokenTTL).Unix(),
		"app_id": appID,
	}
	return jwt.SignPEM(payload, m.PrivateKey, "")
}

// MintToken mints a custom token for appID and exchanges it at AppCheck's
// exchangeCustomToken endpoint for an attestation token.
func (m *Minter) MintToken(ctx context.Context, appID string) (Token, error) {
	customToken, err := m.mintCustomToken(appID)
	if err != nil {
		return Token{}, err
	}

	reqURL := fmt.Sprintf("%s/v1/projects/%s/apps/%s:exchangeCustomToken", m.baseURL, m.ProjectID, appID)
	body, err := json.Marshal(map[string]string{"customToken": customToken})
	if err != nil {
		return Token{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeInvalidArgument)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(string(body)))
	if err != nil {
		return Token{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}
	req.Header.Set("Content-Type", "application/json")

	if m.Credentials != nil {
		accessToken, err := m.Credentials.AccessToken(ctx, false)
		if err != nil {
			return Token{}, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Token{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeNetworkError)
	}

	if resp.StatusCode != http.StatusOK {
		return Token{}, ferrors.New(fmt.Errorf("appcheck exchange failed: status %d: %s", resp.StatusCode, respBody), ferrors.CodeInvalidCredential)
	}

	var out struct {
		Token string `json:"token"`
		TTL   string `json:"ttl"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.Token == "" {
		return Token{}, ferrors.New(fmt.Errorf("malformed appcheck exchange response: %s", respBody), ferrors.CodeInvalidCredential)
	}

	ttl, err := time.ParseDuration(strings.TrimSuffix(out.TTL, "s") + "s")
	if err != nil {
		ttl = time.Hour
	}

	return Token{Token: out.Token, ExpiresAt: m.clock().Add(ttl)}, nil
}
