package cookiesign

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := Payload{IDToken: "id1", RefreshToken: "refresh1"}
	keys := KeyList{"k1", "k2"}

	value, err := Sign(payload, keys)
	require.NoError(t, err)

	got, err := Verify(value, keys)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	value, err := Sign(Payload{IDToken: "id1"}, KeyList{"k1"})
	require.NoError(t, err)

	_, err = Verify(value, KeyList{"k2"})
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeInvalidSignature, ferrors.CodeOf(err))
}

func TestRotatingKeysAcceptOldSignatures(t *testing.T) {
	value, err := Sign(Payload{IDToken: "id1"}, KeyList{"k_old"})
	require.NoError(t, err)

	got, err := Verify(value, KeyList{"k_new", "k_old"})
	require.NoError(t, err)
	assert.Equal(t, "id1", got.IDToken)

	_, err = Verify(value, KeyList{"k_new", "k_older"})
	require.Error(t, err)
}

func TestSignEmptyKeyList(t *testing.T) {
	_, err := Sign(Payload{IDToken: "id1"}, KeyList{})
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeCryptoKeyInvalid, ferrors.CodeOf(err))
}

func TestVerifyMalformed(t *testing.T) {
	_, err := Verify("not-a-valid-cookie-value", KeyList{"k1"})
	require.Error(t, err)
}

func TestSerializeAttributeOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := SerializeOptions{
		Path:     "/",
		Domain:   "example.com",
		HTTPOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   time.Hour,
	}
	out := Serialize("session", "abc.def", opts, now)
	assert.Equal(t,
		"session=abc.def; Max-Age=3600; Domain=example.com; Path=/; Expires=Thu, 01 Jan 2026 01:00:00 GMT; HttpOnly; Secure; SameSite=Lax",
		out,
	)
}

func TestSerializeExpired(t *testing.T) {
	out := SerializeExpired("session", SerializeOptions{Path: "/", Domain: "example.com"})
	assert.Equal(t, "session=; Max-Age=0; Domain=example.com; Path=/; Expires=Thu, 01 Jan 1970 00:00:00 GMT", out)
}

func TestParseTolerantOfOrderAndCase(t *testing.T) {
	name, value, opts, err := Parse("session=abc.def; SECURE; path=/app; Max-Age=120; HttpOnly; SameSite=Strict; Domain=example.com")
	require.NoError(t, err)
	assert.Equal(t, "session", name)
	assert.Equal(t, "abc.def", value)
	assert.True(t, opts.Secure)
	assert.True(t, opts.HTTPOnly)
	assert.Equal(t, "/app", opts.Path)
	assert.Equal(t, "example.com", opts.Domain)
	assert.Equal(t, 120*time.Second, opts.MaxAge)
	assert.Equal(t, http.SameSiteStrictMode, opts.SameSite)
}
