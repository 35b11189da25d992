package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KG0517/next-firebase-auth-edge/idtoken"
	"github.com/KG0517/next-firebase-auth-edge/identityclient"
	"github.com/KG0517/next-firebase-auth-edge/logging"
	"github.com/KG0517/next-firebase-auth-edge/session/cookiesign"

	jwtlib "github.com/KG0517/next-firebase-auth-edge/jwt"
)

type fixedKeys struct {
	keys map[string]*rsa.PublicKey
}

func (f fixedKeys) Keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	return f.keys, nil
}

func withLogger(r *http.Request) *http.Request {
	return r.WithContext(logging.With(r.Context(), noopLogger{}))
}

// noopLogger satisfies logging.Logger without pulling in zap for tests.
type noopLogger struct{}

func (noopLogger) Debug(args ...interface{})                      {}
func (noopLogger) Debugw(msg string, kv ...interface{})           {}
func (noopLogger) Debugf(msg string, args ...interface{})         {}
func (noopLogger) Info(args ...interface{})                       {}
func (noopLogger) Infow(msg string, kv ...interface{})            {}
func (noopLogger) Infof(msg string, args ...interface{})          {}
func (noopLogger) Warn(args ...interface{})                       {}
func (noopLogger) Warnw(msg string, kv ...interface{})            {}
func (noopLogger) Warnf(msg string, args ...interface{})          {}
func (noopLogger) Error(args ...interface{})                      {}
func (noopLogger) Errorw(msg string, kv ...interface{})           {}
func (noopLogger) Errorf(msg string, args ...interface{})         {}
func (noopLogger) Named(name string) logging.Logger               { return noopLogger{} }
func (noopLogger) With(field string, value interface{}) logging.Logger { return noopLogger{} }

func signToken(t *testing.T, key *rsa.PrivateKey, projectID, uid string, iat, exp time.Time) string {
	t.Helper()
	payload := map[string]interface{}{
		"sub":       uid,
		"aud":       projectID,
		"iss":       "https://securetoken.google.com/" + projectID,
		"iat":       iat.Unix(),
		"exp":       exp.Unix(),
		"auth_time": iat.Unix(),
	}
	token, err := jwtlib.Sign(payload, key, "kid1")
	require.NoError(t, err)
	return token
}

func TestMiddlewareLoginSetsCookie(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	token := signToken(t, key, "proj1", "u1", now, now.Add(time.Hour))

	cfg := Config{
		LoginPath:           "/login",
		LogoutPath:          "/logout",
		Manager:             &idtoken.Manager{ProjectID: "proj1", Keys: fixedKeys{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}}, CurrentTime: func() time.Time { return now }},
		CookieName:          "session",
		CookieSignatureKeys: cookiesign.KeyList{"secret1"},
		CookieOptions:       cookiesign.SerializeOptions{Path: "/", HTTPOnly: true},
		CurrentTime:         func() time.Time { return now },
	}

	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("login path should not reach next handler")
	}))

	req := withLogger(httptest.NewRequest(http.MethodGet, "/login", nil))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Set-Cookie"))
}

func TestMiddlewareVerifyAdmitsValidCookie(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	token := signToken(t, key, "proj1", "u1", now, now.Add(time.Hour))

	cfg := Config{
		LoginPath:           "/login",
		LogoutPath:          "/logout",
		Manager:             &idtoken.Manager{ProjectID: "proj1", Keys: fixedKeys{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}}, CurrentTime: func() time.Time { return now }},
		CookieName:          "session",
		CookieSignatureKeys: cookiesign.KeyList{"secret1"},
		CookieOptions:       cookiesign.SerializeOptions{Path: "/"},
		CurrentTime:         func() time.Time { return now },
	}

	cookieValue, err := cookiesign.Sign(cookiesign.Payload{IDToken: token, RefreshToken: "refresh1"}, cfg.CookieSignatureKeys)
	require.NoError(t, err)

	var admittedUID string
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		admittedUID = d.UID
		w.WriteHeader(http.StatusOK)
	}))

	req := withLogger(httptest.NewRequest(http.MethodGet, "/secret", nil))
	req.AddCookie(&http.Cookie{Name: "session", Value: cookieValue})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", admittedUID)
}

func TestMiddlewareVerifyRedirectsWhenNoCookie(t *testing.T) {
	cfg := Config{
		LoginPath:           "/login",
		LogoutPath:          "/logout",
		CookieName:          "session",
		CookieSignatureKeys: cookiesign.KeyList{"secret1"},
		Redirect:            &RedirectOptions{Path: "/login", ParamName: "redirect"},
	}

	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach next handler")
	}))

	req := withLogger(httptest.NewRequest(http.MethodGet, "/secret", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/login?redirect=%2Fsecret", rec.Header().Get("Location"))
}

func TestMiddlewareVerifyRefreshesExpiredCookie(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	expired := signToken(t, key, "proj1", "u1", now.Add(-2*time.Hour), now.Add(-time.Hour))
	fresh := signToken(t, key, "proj1", "u1", now, now.Add(time.Hour))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id_token":%q,"refresh_token":"new-refresh"}`, fresh)
	}))
	defer server.Close()

	client := identityclient.New("proj1", "", "api-key", nil,
		identityclient.WithEmulatorHost(server.URL[len("http://"):]),
		identityclient.WithHTTPClient(server.Client()))

	cfg := Config{
		LoginPath:           "/login",
		LogoutPath:          "/logout",
		Manager:             &idtoken.Manager{ProjectID: "proj1", Keys: fixedKeys{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}}, CurrentTime: func() time.Time { return now }},
		Client:              client,
		CookieName:          "session",
		CookieSignatureKeys: cookiesign.KeyList{"secret1"},
		CookieOptions:       cookiesign.SerializeOptions{Path: "/"},
		CurrentTime:         func() time.Time { return now },
	}

	cookieValue, err := cookiesign.Sign(cookiesign.Payload{IDToken: expired, RefreshToken: "old-refresh"}, cfg.CookieSignatureKeys)
	require.NoError(t, err)

	var admittedUID string
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, _ := IdentityFromContext(r.Context())
		admittedUID = d.UID
		w.WriteHeader(http.StatusOK)
	}))

	req := withLogger(httptest.NewRequest(http.MethodGet, "/secret", nil))
	req.AddCookie(&http.Cookie{Name: "session", Value: cookieValue})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", admittedUID)
	assert.NotEmpty(t, rec.Header().Get("Set-Cookie"))
}

func TestMiddlewareLogoutExpiresCookie(t *testing.T) {
	cfg := Config{
		LoginPath:     "/login",
		LogoutPath:    "/logout",
		CookieName:    "session",
		CookieOptions: cookiesign.SerializeOptions{Path: "/"},
	}
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := withLogger(httptest.NewRequest(http.MethodGet, "/logout", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "Max-Age=0")
}

func TestMiddlewareVerifyUnauthedOnBadSignature(t *testing.T) {
	cfg := Config{
		LoginPath:           "/login",
		LogoutPath:          "/logout",
		CookieName:          "session",
		CookieSignatureKeys: cookiesign.KeyList{"secret1"},
	}
	reached := false
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	req := withLogger(httptest.NewRequest(http.MethodGet, "/secret", nil))
	req.AddCookie(&http.Cookie{Name: "session", Value: "garbage.value"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, reached, "unauthed with no redirect configured should pass through")
}
