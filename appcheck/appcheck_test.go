package appcheck

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestMintTokenExchangesCustomToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "exchangeCustomToken")
		w.Write([]byte(`{"token":"attestation-token","ttl":"3600s"}`))
	}))
	defer server.Close()

	now := time.Now()
	m := New("proj1", "sa@proj1.iam.gserviceaccount.com", testKeyPEM(t), nil,
		WithHTTPClient(server.Client()), WithClock(func() time.Time { return now }), WithBaseURL(server.URL))

	token, err := m.MintToken(context.Background(), "app1")
	require.NoError(t, err)
	assert.Equal(t, "attestation-token", token.Token)
	assert.Equal(t, now.Add(time.Hour), token.ExpiresAt)
}

func TestMintTokenUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"PERMISSION_DENIED"}`))
	}))
	defer server.Close()

	m := New("proj1", "sa@proj1.iam.gserviceaccount.com", testKeyPEM(t), nil,
		WithHTTPClient(server.Client()), WithBaseURL(server.URL))

	_, err := m.MintToken(context.Background(), "app1")
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeInvalidCredential, ferrors.CodeOf(err))
}
