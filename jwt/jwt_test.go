package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
)

type fixedKeyFetcher struct {
	keys map[string]*rsa.PublicKey
}

func (f fixedKeyFetcher) Keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	return f.keys, nil
}

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := genKey(t)
	now := time.Now()
	payload := map[string]interface{}{
		"sub":       "u1",
		"aud":       "proj1",
		"iss":       "https://securetoken.google.com/proj1",
		"exp":       now.Add(time.Hour).Unix(),
		"iat":       now.Unix(),
		"auth_time": now.Unix(),
	}

	token, err := Sign(payload, key, "kid1")
	require.NoError(t, err)

	fetcher := fixedKeyFetcher{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}}
	claims, err := Verify(context.Background(), token, fetcher, VerifyOptions{
		Audience: "proj1",
		Issuer:   "https://securetoken.google.com/proj1",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", claims["sub"])
}

func TestVerifyExpired(t *testing.T) {
	key := genKey(t)
	now := time.Now()
	payload := map[string]interface{}{
		"sub": "u1",
		"aud": "proj1",
		"iss": "https://securetoken.google.com/proj1",
		"exp": now.Add(-time.Hour).Unix(),
		"iat": now.Add(-2 * time.Hour).Unix(),
	}
	token, err := Sign(payload, key, "kid1")
	require.NoError(t, err)

	fetcher := fixedKeyFetcher{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}}
	_, err = Verify(context.Background(), token, fetcher, VerifyOptions{Audience: "proj1", Issuer: "https://securetoken.google.com/proj1"})
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeTokenExpired, ferrors.CodeOf(err))
}

func TestVerifyNoMatchingKid(t *testing.T) {
	key := genKey(t)
	now := time.Now()
	payload := map[string]interface{}{
		"sub": "u1",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	token, err := Sign(payload, key, "kid9")
	require.NoError(t, err)

	fetcher := fixedKeyFetcher{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}}
	_, err = Verify(context.Background(), token, fetcher, VerifyOptions{})
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeNoMatchingKid, ferrors.CodeOf(err))
}

func TestVerifyInvalidSignature(t *testing.T) {
	key := genKey(t)
	otherKey := genKey(t)
	now := time.Now()
	payload := map[string]interface{}{
		"sub": "u1",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	token, err := Sign(payload, key, "kid1")
	require.NoError(t, err)

	fetcher := fixedKeyFetcher{keys: map[string]*rsa.PublicKey{"kid1": &otherKey.PublicKey}}
	_, err = Verify(context.Background(), token, fetcher, VerifyOptions{})
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeInvalidSignature, ferrors.CodeOf(err))
}

func TestVerifySkipSignatureVerification(t *testing.T) {
	key := genKey(t)
	now := time.Now()
	payload := map[string]interface{}{
		"sub": "u1",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	token, err := Sign(payload, key, "kid1")
	require.NoError(t, err)

	claims, err := Verify(context.Background(), token, fixedKeyFetcher{}, VerifyOptions{SkipSignatureVerification: true})
	require.NoError(t, err)
	assert.Equal(t, "u1", claims["sub"])
}
