// Package idtoken implements the ID-token lifecycle manager: verification
// against Firebase's rotating public keys, optional revocation checking
// against Identity Toolkit, and server-side refresh when a presented ID
// token has expired but a refresh token is available.
package idtoken

import (
	"context"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/KG0517/next-firebase-auth-edge/identityclient"
	"github.com/KG0517/next-firebase-auth-edge/jwks"
	"github.com/KG0517/next-firebase-auth-edge/jwt"
)

// SecureTokenJWKSURL is the well-known JWKS endpoint for Firebase ID-token
// signing keys.
const SecureTokenJWKSURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

// CustomTokenAudience is the fixed audience custom tokens are signed for.
const CustomTokenAudience = "https://identitytoolkit.googleapis.com/google.identity.identitytoolkit.v1.IdentityToolkit"

// Decoded is the IdToken data model of spec §3.
type Decoded struct {
	UID           string
	Email         string
	EmailVerified bool
	AuthTime      time.Time
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Audience      string
	Issuer        string
	Subject       string
	TenantID      string
	CustomClaims  map[string]interface{}
}

// Tokens is the admission record produced by the manager, per spec §3.
type Tokens struct {
	Decoded      Decoded
	IDToken      string
	RefreshToken string
	CustomToken  string
}

// Manager ties together key resolution, claim verification, and the
// Identity Toolkit client to implement verify/refresh/revocation-check.
type Manager struct {
	ProjectID string
	TenantID  string

	Keys   jwt.KeyFetcher
	Client *identityclient.Client

	// CurrentTime overrides time.Now, for deterministic tests.
	CurrentTime func() time.Time

	// Emulator, when true, skips signature verification entirely, per
	// spec §4.2 step 5.
	Emulator bool
}

// New constructs a Manager using a process-wide jwks.Cache bound to the
// Secure Token JWKS URL.
func New(projectID, tenantID string, cache *jwks.Cache, client *identityclient.Client) *Manager {
	return &Manager{
		ProjectID: projectID,
		TenantID:  tenantID,
		Keys:      cache.URLFetcher(SecureTokenJWKSURL),
		Client:    client,
	}
}

func (m *Manager) now() time.Time {
	if m.CurrentTime != nil {
		return m.CurrentTime()
	}
	return time.Now()
}

// VerifyIDToken validates token, optionally checking revocation against
// Identity Toolkit. checkRevoked also implies a lookup when a tenant is
// configured, per spec §4.6.
func (m *Manager) VerifyIDToken(ctx context.Context, token string, checkRevoked bool) (Decoded, error) {
	claims, err := jwt.Verify(ctx, token, m.Keys, jwt.VerifyOptions{
		Audience:                  m.ProjectID,
		Issuer:                    "https://securetoken.google.com/" + m.ProjectID,
		CurrentTime:               m.CurrentTime,
		SkipSignatureVerification: m.Emulator,
	})
	if err != nil {
		return Decoded{}, err
	}

	decoded, err := decodeClaims(claims)
	if err != nil {
		return Decoded{}, err
	}

	if decoded.TenantID != "" || m.TenantID != "" {
		if decoded.TenantID != m.TenantID {
			return Decoded{}, ferrors.New(fmt.Errorf("tenant mismatch: token has %q, configured %q", decoded.TenantID, m.TenantID), ferrors.CodeInvalidArgument)
		}
	}

	if checkRevoked || m.TenantID != "" {
		if err := m.checkRevocation(ctx, decoded); err != nil {
			return Decoded{}, err
		}
	}

	return decoded, nil
}

// checkRevocation implements spec §4.5's revocation rule.
func (m *Manager) checkRevocation(ctx context.Context, decoded Decoded) error {
	if m.Client == nil {
		return nil
	}
	result, err := m.Client.LookupUser(ctx, decoded.UID)
	if err != nil {
		return err
	}
	if !result.Found {
		return ferrors.New(fmt.Errorf("user %s not found", decoded.UID), ferrors.CodeUserNotFound)
	}
	if result.Disabled {
		return ferrors.New(fmt.Errorf("user %s is disabled", decoded.UID), ferrors.CodeUserDisabled)
	}
	if decoded.AuthTime.Unix() < result.ValidSince {
		return ferrors.New(fmt.Errorf("token issued before validSince for user %s", decoded.UID), ferrors.CodeTokenRevoked)
	}
	return nil
}

// VerifyAndRefreshExpiredIDToken implements spec §4.6's two-step flow: try
// verify, and on TOKEN_EXPIRED only, exchange the refresh token and
// re-verify without a revocation check.
func (m *Manager) VerifyAndRefreshExpiredIDToken(ctx context.Context, idToken, refreshToken string) (Tokens, error) {
	decoded, err := m.VerifyIDToken(ctx, idToken, false)
	if err == nil {
		return Tokens{Decoded: decoded, IDToken: idToken, RefreshToken: refreshToken}, nil
	}
	if !ferrors.Is(err, ferrors.CodeTokenExpired) {
		return Tokens{}, err
	}
	if m.Client == nil {
		return Tokens{}, err
	}

	exchanged, exchangeErr := m.Client.ExchangeRefreshToken(ctx, refreshToken)
	if exchangeErr != nil {
		return Tokens{}, exchangeErr
	}

	newDecoded, err := m.VerifyIDToken(ctx, exchanged.IDToken, false)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{Decoded: newDecoded, IDToken: exchanged.IDToken, RefreshToken: exchanged.RefreshToken}, nil
}

// CreateCustomToken mints a service-account-signed custom token carrying
// uid and the given extra claims, the shape Identity Toolkit's
// signInWithCustomToken endpoint accepts.
func (m *Manager) CreateCustomToken(privateKeyPEM []byte, clientEmail, uid string, claims map[string]interface{}, now time.Time) (string, error) {
	payload := map[string]interface{}{
		"iss":    clientEmail,
		"sub":    clientEmail,
		"aud":    CustomTokenAudience,
		"iat":    now.Unix(),
		"exp":    now.Add(time.Hour).Unix(),
		"uid":    uid,
		"claims": claims,
	}
	return jwt.SignPEM(payload, privateKeyPEM, "")
}

// decodeClaims converts raw JWT claims into the Decoded data model.
func decodeClaims(claims jwtlib.MapClaims) (Decoded, error) {
	uid, _ := claims.GetSubject()
	if uid == "" {
		return Decoded{}, ferrors.New(fmt.Errorf("missing sub claim"), ferrors.CodeInvalidArgument)
	}

	exp, _ := claims.GetExpirationTime()
	iat, _ := claims.GetIssuedAt()
	aud, _ := claims.GetAudience()
	iss, _ := claims.GetIssuer()

	d := Decoded{
		UID:          uid,
		Subject:      uid,
		Issuer:       iss,
		CustomClaims: map[string]interface{}{},
	}
	if exp != nil {
		d.ExpiresAt = exp.Time
	}
	if iat != nil {
		d.IssuedAt = iat.Time
	}
	if len(aud) > 0 {
		d.Audience = aud[0]
	}
	if email, ok := claims["email"].(string); ok {
		d.Email = email
	}
	if verified, ok := claims["email_verified"].(bool); ok {
		d.EmailVerified = verified
	}
	if authTime, ok := toUnixSeconds(claims["auth_time"]); ok {
		d.AuthTime = time.Unix(authTime, 0)
	}
	if firebase, ok := claims["firebase"].(map[string]interface{}); ok {
		if tenant, ok := firebase["tenant"].(string); ok {
			d.TenantID = tenant
		}
		for k, v := range firebase {
			if k == "tenant" || k == "sign_in_provider" || k == "identities" {
				continue
			}
			d.CustomClaims[k] = v
		}
	}
	for k, v := range claims {
		switch k {
		case "sub", "exp", "iat", "aud", "iss", "email", "email_verified", "auth_time", "firebase", "uid":
			continue
		default:
			d.CustomClaims[k] = v
		}
	}

	return d, nil
}

func toUnixSeconds(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
