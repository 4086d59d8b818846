package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	refreshes  atomic.Int32
	refreshErr error
}

func (a *fakeAuth) Apply(context.Context, *http.Request) error { return nil }

func (a *fakeAuth) Refresh(context.Context) error {
	a.refreshes.Add(1)
	return a.refreshErr
}

func newTokenServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var grants atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client", r.PostForm.Get("client_id"))
		n := grants.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("at-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &grants
}

func TestAPIKeyAuth_Apply(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, APIKeyAuth{Key: "k"}.Apply(context.Background(), req))
	assert.Equal(t, "k", req.Header.Get("X-API-Key"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, APIKeyAuth{Header: "Api-Token", Key: "k2"}.Apply(context.Background(), req))
	assert.Equal(t, "k2", req.Header.Get("Api-Token"))
	assert.NoError(t, APIKeyAuth{}.Refresh(context.Background()))
}

func TestNewOAuthRefresh_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewOAuthRefresh(OAuthRefreshConfig{ClientID: "c"})
	assert.Error(t, err)
}

func TestOAuthRefresh_ReusesTokenUntilRefresh(t *testing.T) {
	t.Parallel()

	tokenSrv, grants := newTokenServer(t)
	auth, err := NewOAuthRefresh(OAuthRefreshConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "rt-1",
		TokenURL:     tokenSrv.URL,
	})
	require.NoError(t, err)

	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		require.NoError(t, auth.Apply(context.Background(), req))
		assert.Equal(t, "Bearer at-1", req.Header.Get("Authorization"))
	}
	assert.Equal(t, int32(1), grants.Load())

	require.NoError(t, auth.Refresh(context.Background()))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, auth.Apply(context.Background(), req))
	assert.Equal(t, "Bearer at-2", req.Header.Get("Authorization"))
	assert.Equal(t, int32(2), grants.Load())
}

func TestOAuthRefresh_ClientRetriesWithNewToken(t *testing.T) {
	t.Parallel()

	tokenSrv, grants := newTokenServer(t)
	auth, err := NewOAuthRefresh(OAuthRefreshConfig{
		ClientID:     "client",
		RefreshToken: "rt-1",
		TokenURL:     tokenSrv.URL,
	})
	require.NoError(t, err)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeItems(t, w, Listing{ExternalID: "B010"})
	}))
	defer api.Close()

	got, err := newTestClient(t, api.URL, &countingLimiter{}, WithAuth(auth)).
		SearchByPrimaryKey(context.Background(), "000")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(2), grants.Load())
}
