package idtoken

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

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/KG0517/next-firebase-auth-edge/identityclient"
	"github.com/KG0517/next-firebase-auth-edge/jwt"
)

type fixedKeys struct {
	keys map[string]*rsa.PublicKey
}

func (f fixedKeys) Keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	return f.keys, nil
}

func signToken(t *testing.T, key *rsa.PrivateKey, projectID, uid string, now time.Time, exp time.Time) string {
	t.Helper()
	payload := map[string]interface{}{
		"sub":       uid,
		"aud":       projectID,
		"iss":       "https://securetoken.google.com/" + projectID,
		"iat":       now.Unix(),
		"exp":       exp.Unix(),
		"auth_time": now.Unix(),
		"email":     "user@example.com",
	}
	token, err := jwt.Sign(payload, key, "kid1")
	require.NoError(t, err)
	return token
}

func TestVerifyIDTokenHappyPath(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	token := signToken(t, key, "proj1", "u1", now, now.Add(time.Hour))

	m := &Manager{
		ProjectID:   "proj1",
		Keys:        fixedKeys{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}},
		CurrentTime: func() time.Time { return now },
	}

	decoded, err := m.VerifyIDToken(context.Background(), token, false)
	require.NoError(t, err)
	assert.Equal(t, "u1", decoded.UID)
	assert.Equal(t, "user@example.com", decoded.Email)
}

func TestVerifyIDTokenExpired(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	token := signToken(t, key, "proj1", "u1", now.Add(-2*time.Hour), now.Add(-time.Hour))

	m := &Manager{
		ProjectID:   "proj1",
		Keys:        fixedKeys{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}},
		CurrentTime: func() time.Time { return now },
	}

	_, err = m.VerifyIDToken(context.Background(), token, false)
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeTokenExpired, ferrors.CodeOf(err))
}

func TestVerifyIDTokenNoMatchingKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	token := signToken(t, key, "proj1", "u1", now, now.Add(time.Hour))

	m := &Manager{
		ProjectID:   "proj1",
		Keys:        fixedKeys{keys: map[string]*rsa.PublicKey{"kid9": &other.PublicKey}},
		CurrentTime: func() time.Time { return now },
	}

	_, err = m.VerifyIDToken(context.Background(), token, false)
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeNoMatchingKid, ferrors.CodeOf(err))
}

func TestVerifyAndRefreshExpiredIDToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	expiredToken := signToken(t, key, "proj1", "u1", now.Add(-2*time.Hour), now.Add(-time.Hour))
	freshToken := signToken(t, key, "proj1", "u1", now, now.Add(time.Hour))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id_token":%q,"refresh_token":"new-refresh"}`, freshToken)
	}))
	defer server.Close()

	client := identityclient.New("proj1", "", "api-key", nil,
		identityclient.WithEmulatorHost(server.URL[len("http://"):]),
		identityclient.WithHTTPClient(server.Client()))

	m := &Manager{
		ProjectID:   "proj1",
		Keys:        fixedKeys{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}},
		Client:      client,
		CurrentTime: func() time.Time { return now },
	}

	tokens, err := m.VerifyAndRefreshExpiredIDToken(context.Background(), expiredToken, "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "u1", tokens.Decoded.UID)
	assert.Equal(t, "new-refresh", tokens.RefreshToken)
}

func TestVerifyIDTokenRevoked(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	token := signToken(t, key, "proj1", "u1", now, now.Add(time.Hour))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		validSince := now.Add(time.Minute).Unix()
		fmt.Fprintf(w, `{"users":[{"localId":"u1","disabled":false,"validSince":"%d"}]}`, validSince)
	}))
	defer server.Close()

	client := identityclient.New("proj1", "", "api-key", nil,
		identityclient.WithEmulatorHost(server.URL[len("http://"):]),
		identityclient.WithHTTPClient(server.Client()))

	m := &Manager{
		ProjectID:   "proj1",
		Keys:        fixedKeys{keys: map[string]*rsa.PublicKey{"kid1": &key.PublicKey}},
		Client:      client,
		CurrentTime: func() time.Time { return now },
	}

	_, err = m.VerifyIDToken(context.Background(), token, true)
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeTokenRevoked, ferrors.CodeOf(err))
}
