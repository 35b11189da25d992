// Package session implements the request-scoped middleware state machine of
// spec §4.9: admitting, refreshing, redirecting, or rejecting requests
// based on a signed session cookie, and the login/logout endpoints that
// create and destroy it.
package session

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/KG0517/next-firebase-auth-edge/idtoken"
	"github.com/KG0517/next-firebase-auth-edge/identityclient"
	"github.com/KG0517/next-firebase-auth-edge/logging"
	"github.com/KG0517/next-firebase-auth-edge/session/cookiesign"
)

// RedirectOptions configures the UNAUTHED-state redirect behavior of spec
// §4.9/§7.
type RedirectOptions struct {
	Path      string
	ParamName string
}

// Config wires all the collaborators and options the middleware needs. It
// is the Go expression of the enumerated options in spec §6.
type Config struct {
	LoginPath  string
	LogoutPath string

	Manager *idtoken.Manager
	Client  *identityclient.Client

	CookieName          string
	CookieSignatureKeys cookiesign.KeyList
	CookieOptions       cookiesign.SerializeOptions

	CheckRevoked bool

	// IsTokenValid is an additional custom predicate evaluated alongside
	// (but dominated by, per spec §9) revocation checking.
	IsTokenValid func(idtoken.Decoded) bool

	Redirect *RedirectOptions

	// OnAuthenticated is invoked in the ADMIT state; its default simply
	// lets the request proceed.
	OnAuthenticated func(w http.ResponseWriter, r *http.Request, tokens idtoken.Tokens)

	// OnError is invoked in the ERROR state; its default behaves as
	// UNAUTHED.
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// CurrentTime overrides time.Now, for deterministic tests.
	CurrentTime func() time.Time
}

func (c Config) now() time.Time {
	if c.CurrentTime != nil {
		return c.CurrentTime()
	}
	return time.Now()
}

type identityKey struct{}

// IdentityFromContext returns the decoded ID token admitted for this
// request, if any.
func IdentityFromContext(ctx context.Context) (idtoken.Decoded, bool) {
	d, ok := ctx.Value(identityKey{}).(idtoken.Decoded)
	return d, ok
}

// Middleware returns an http middleware implementing the START/LOGIN/
// LOGOUT/VERIFY/REFRESH/ADMIT/UNAUTHED/ERROR state machine of spec §4.9.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case cfg.LoginPath:
				handleLogin(w, r, cfg)
			case cfg.LogoutPath:
				handleLogout(w, r, cfg)
			default:
				handleVerify(w, r, cfg, next)
			}
		})
	}
}

// handleLogin implements the LOGIN state.
func handleLogin(w http.ResponseWriter, r *http.Request, cfg Config) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == "" || bearer == r.Header.Get("Authorization") {
		writeError(w, ferrors.New(nil, ferrors.CodeInvalidArgument).WithPublicMessage("missing Authorization: Bearer <id-token> header"))
		return
	}

	decoded, err := cfg.Manager.VerifyIDToken(r.Context(), bearer, cfg.CheckRevoked)
	if err != nil {
		if ferrors.Is(err, ferrors.CodeInvalidArgument) {
			writeStatus(w, http.StatusUnauthorized, err)
			return
		}
		writeError(w, err)
		return
	}

	refreshToken := r.Header.Get("X-Refresh-Token")
	tokens := idtoken.Tokens{Decoded: decoded, IDToken: bearer, RefreshToken: refreshToken}

	setCookie(w, cfg, tokens)
	logging.Infow(r.Context(), "session login", "uid", decoded.UID)
	w.WriteHeader(http.StatusOK)
}

// handleLogout implements the LOGOUT state: always 200 with an expired
// cookie.
func handleLogout(w http.ResponseWriter, r *http.Request, cfg Config) {
	w.Header().Add("Set-Cookie", cookiesign.SerializeExpired(cfg.CookieName, cfg.CookieOptions))
	w.WriteHeader(http.StatusOK)
}

// handleVerify implements VERIFY, REFRESH, ADMIT, UNAUTHED, and ERROR.
func handleVerify(w http.ResponseWriter, r *http.Request, cfg Config, next http.Handler) {
	cookie, err := r.Cookie(cfg.CookieName)
	if err != nil || cookie.Value == "" {
		unauthed(w, r, cfg, next, nil)
		return
	}

	payload, err := cookiesign.Verify(cookie.Value, cfg.CookieSignatureKeys)
	if err != nil {
		unauthed(w, r, cfg, next, err)
		return
	}

	decoded, err := cfg.Manager.VerifyIDToken(r.Context(), payload.IDToken, cfg.CheckRevoked)
	switch {
	case err == nil:
		admit(w, r, cfg, next, idtoken.Tokens{
			Decoded:      decoded,
			IDToken:      payload.IDToken,
			RefreshToken: payload.RefreshToken,
			CustomToken:  payload.CustomToken,
		})
	case ferrors.Is(err, ferrors.CodeTokenExpired) && payload.RefreshToken != "":
		refresh(w, r, cfg, next, payload)
	case ferrors.Is(err, ferrors.CodeUserNotFound),
		ferrors.Is(err, ferrors.CodeUserDisabled),
		ferrors.Is(err, ferrors.CodeTokenRevoked),
		ferrors.Is(err, ferrors.CodeInvalidSignature),
		ferrors.Is(err, ferrors.CodeNoMatchingKid):
		unauthed(w, r, cfg, next, err)
	default:
		errState(w, r, cfg, next, err)
	}
}

// refresh implements the REFRESH state.
func refresh(w http.ResponseWriter, r *http.Request, cfg Config, next http.Handler, payload cookiesign.Payload) {
	exchanged, err := cfg.Client.ExchangeRefreshToken(r.Context(), payload.RefreshToken)
	if err != nil {
		if ferrors.Is(err, ferrors.CodeUserNotFound) {
			unauthed(w, r, cfg, next, err)
			return
		}
		errState(w, r, cfg, next, err)
		return
	}

	decoded, err := cfg.Manager.VerifyIDToken(r.Context(), exchanged.IDToken, false)
	if err != nil {
		errState(w, r, cfg, next, err)
		return
	}

	tokens := idtoken.Tokens{Decoded: decoded, IDToken: exchanged.IDToken, RefreshToken: exchanged.RefreshToken}
	setCookie(w, cfg, tokens)
	admit(w, r, cfg, next, tokens)
}

// admit implements the ADMIT state: invoke the configured hook, defaulting
// to pass-through with the decoded identity attached to the context.
func admit(w http.ResponseWriter, r *http.Request, cfg Config, next http.Handler, tokens idtoken.Tokens) {
	if cfg.IsTokenValid != nil && !cfg.IsTokenValid(tokens.Decoded) {
		unauthed(w, r, cfg, next, ferrors.New(nil, ferrors.CodeInvalidCredential))
		return
	}

	if cfg.OnAuthenticated != nil {
		cfg.OnAuthenticated(w, r, tokens)
		return
	}

	ctx := context.WithValue(r.Context(), identityKey{}, tokens.Decoded)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// unauthed implements the UNAUTHED state: redirect if configured, else
// pass through anonymously.
func unauthed(w http.ResponseWriter, r *http.Request, cfg Config, next http.Handler, reason error) {
	if reason != nil {
		logging.Infow(r.Context(), "session unauthenticated", "error.code", string(ferrors.CodeOf(reason)))
	}

	if cfg.Redirect != nil {
		target := cfg.Redirect.Path + "?" + cfg.Redirect.ParamName + "=" + url.QueryEscape(originalURL(r))
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		return
	}

	next.ServeHTTP(w, r)
}

// errState implements the ERROR state: invoke the configured hook,
// defaulting to UNAUTHED behavior.
func errState(w http.ResponseWriter, r *http.Request, cfg Config, next http.Handler, err error) {
	logging.FromContext(r.Context()).Errorw("session error", "error", err.Error())
	if cfg.OnError != nil {
		cfg.OnError(w, r, err)
		return
	}
	unauthed(w, r, cfg, next, err)
}

func originalURL(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return r.URL.Path + "?" + r.URL.RawQuery
	}
	return r.URL.Path
}

func setCookie(w http.ResponseWriter, cfg Config, tokens idtoken.Tokens) {
	value, err := cookiesign.Sign(cookiesign.Payload{
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		CustomToken:  tokens.CustomToken,
	}, cfg.CookieSignatureKeys)
	if err != nil {
		return
	}
	w.Header().Add("Set-Cookie", cookiesign.Serialize(cfg.CookieName, value, cfg.CookieOptions, cfg.now()))
}

func writeError(w http.ResponseWriter, err error) {
	writeStatus(w, ferrors.HTTPStatusCode(err), err)
}

func writeStatus(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	code := ferrors.CodeOf(err)
	msg := "unauthenticated"
	if fe, ok := err.(*ferrors.Error); ok {
		msg = fe.PublicMessage()
	}
	w.Write([]byte(`{"code":"` + string(code) + `","message":"` + jsonEscape(msg) + `"}`))
}

func jsonEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
