package genie

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenServer(t *testing.T, exchanges *int32, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(exchanges, 1)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))
		assert.Equal(t, "2ff814a6-3304-4ab8-85cb-cd0e6f879c1d/.default", r.FormValue("scope"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-abc",
			"expires_in":   expiresIn,
		})
	}))
}

func TestGetTokenCachesUntilSafetyMargin(t *testing.T) {
	var exchanges int32
	srv := newTokenServer(t, &exchanges, 3600)
	defer srv.Close()

	p := NewTokenProvider(TokenConfig{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, nil, nil)

	now := time.Now()
	p.now = func() time.Time { return now }

	tok, err := p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", tok)

	// Well within validity: no second exchange
	now = now.Add(30 * time.Minute)
	_, err = p.GetToken(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&exchanges))

	// Inside the 60s safety margin: refresh
	now = now.Add(29*time.Minute + 30*time.Second)
	_, err = p.GetToken(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&exchanges))
}

func TestConcurrentGetTokenSingleExchange(t *testing.T) {
	var exchanges int32
	srv := newTokenServer(t, &exchanges, 3600)
	defer srv.Close()

	p := NewTokenProvider(TokenConfig{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.GetToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-abc", tok)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&exchanges))
}

func TestInvalidateForcesRefresh(t *testing.T) {
	var exchanges int32
	srv := newTokenServer(t, &exchanges, 3600)
	defer srv.Close()

	p := NewTokenProvider(TokenConfig{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, nil, nil)

	_, err := p.GetToken(context.Background())
	require.NoError(t, err)

	p.Invalidate()

	_, err = p.GetToken(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&exchanges))
}

func TestTokenEndpointRejectionIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewTokenProvider(TokenConfig{ClientID: "id", ClientSecret: "bad", TokenURL: srv.URL}, nil, nil)

	_, err := p.GetToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, CategoryAuth, CategoryOf(err))
}
