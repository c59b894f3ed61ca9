package nersc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKey(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate test key")

	path := filepath.Join(t.TempDir(), "client.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	return path
}

func newTokenServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.NotEmpty(t, r.PostForm.Get("client_assertion"))

		n := hits.Add(1)
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":600}`, n)
	}))
	t.Cleanup(server.Close)

	return server
}

func TestToken(t *testing.T) {
	t.Run("CachedTokenSkipsNetwork", func(t *testing.T) {
		ctx := context.Background()
		var hits atomic.Int64
		server := newTokenServer(t, &hits)

		ts := NewTokenSource("client-id", writeTestKey(t), server.URL, server.Client())

		first, err := ts.Token(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "tok-1", first)

		second, err := ts.Token(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, first, second, "valid cached token should be reused")
		assert.Equal(t, int64(1), hits.Load(), "cached token must not hit the network")
	})

	t.Run("ExpiredTokenRefreshesOnce", func(t *testing.T) {
		ctx := context.Background()
		var hits atomic.Int64
		server := newTokenServer(t, &hits)

		ts := NewTokenSource("client-id", writeTestKey(t), server.URL, server.Client())

		now := time.Now()
		ts.now = func() time.Time { return now }

		_, err := ts.Token(ctx, false)
		require.NoError(t, err)

		// jump past expiry
		now = now.Add(time.Hour)

		refreshed, err := ts.Token(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "tok-2", refreshed)
		assert.Equal(t, int64(2), hits.Load(), "expired token triggers exactly one refresh")
	})

	t.Run("ForceRefresh", func(t *testing.T) {
		ctx := context.Background()
		var hits atomic.Int64
		server := newTokenServer(t, &hits)

		ts := NewTokenSource("client-id", writeTestKey(t), server.URL, server.Client())

		_, err := ts.Token(ctx, false)
		require.NoError(t, err)

		forced, err := ts.Token(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, "tok-2", forced)
		assert.Equal(t, int64(2), hits.Load(), "force refresh bypasses a valid cache")
	})

	t.Run("MissingKeyFile", func(t *testing.T) {
		ctx := context.Background()
		var hits atomic.Int64
		server := newTokenServer(t, &hits)

		ts := NewTokenSource("client-id", "/nonexistent/key.pem", server.URL, server.Client())

		_, err := ts.Token(ctx, false)
		require.Error(t, err)
		assert.Equal(t, int64(0), hits.Load())
	})
}
