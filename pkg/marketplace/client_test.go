package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/resilience"
)

type countingLimiter struct {
	n   atomic.Int32
	err error
}

func (l *countingLimiter) Acquire(context.Context) error {
	l.n.Add(1)
	return l.err
}

func writeItems(t *testing.T, w http.ResponseWriter, items ...Listing) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(searchResponse{Items: items}))
}

func newTestClient(t *testing.T, url string, lim Limiter, opts ...Option) Client {
	t.Helper()
	c, err := NewClient(url, lim, opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewClient("", &countingLimiter{})
	assert.Error(t, err)

	_, err = NewClient("http://example.test", nil)
	assert.Error(t, err)
}

func TestSearchByPrimaryKey_Success(t *testing.T) {
	t.Parallel()

	price := 19.99
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/catalog/items", r.URL.Path)
		assert.Equal(t, "012345678905", r.URL.Query().Get("identifiers"))
		assert.Equal(t, "UPC", r.URL.Query().Get("identifiersType"))
		assert.Equal(t, "US", r.URL.Query().Get("marketplaceId"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		writeItems(t, w,
			Listing{ExternalID: "B001", Title: "Widget", Brand: "Acme", Price: &price},
			Listing{ExternalID: "B001", Title: "Widget (dup)"},
			Listing{ExternalID: "", Title: "no id"},
		)
	}))
	defer srv.Close()

	lim := &countingLimiter{}
	c := newTestClient(t, srv.URL, lim,
		WithMarketplaceID("US"),
		WithAuth(APIKeyAuth{Header: "X-API-Key", Key: "secret"}),
	)

	got, err := c.SearchByPrimaryKey(context.Background(), "012345678905")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Widget", got[0].Title)
	require.NotNil(t, got[0].Price)
	assert.InDelta(t, 19.99, *got[0].Price, 1e-9)
	assert.Equal(t, int32(1), lim.n.Load())
}

func TestSearchBySecondaryKey_SendsHint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "MPN-9", r.URL.Query().Get("identifiers"))
		assert.Equal(t, "MPN", r.URL.Query().Get("identifiersType"))
		assert.Equal(t, "blue widget", r.URL.Query().Get("keywords"))
		writeItems(t, w, Listing{ExternalID: "B002"})
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, &countingLimiter{}).
		SearchBySecondaryKey(context.Background(), "MPN-9", "blue widget")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSearchByKeywords_CapsResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("pageSize"))
		writeItems(t, w, Listing{ExternalID: "a"}, Listing{ExternalID: "b"}, Listing{ExternalID: "c"})
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, &countingLimiter{}).
		SearchByKeywords(context.Background(), "acme widget", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSearch_EmptyKeyRejected(t *testing.T) {
	t.Parallel()

	lim := &countingLimiter{}
	c := newTestClient(t, "http://example.test", lim)

	_, err := c.SearchByPrimaryKey(context.Background(), " ")
	assert.Error(t, err)
	_, err = c.SearchBySecondaryKey(context.Background(), "", "x")
	assert.Error(t, err)
	_, err = c.SearchByKeywords(context.Background(), "", 5)
	assert.Error(t, err)
	assert.Equal(t, int32(0), lim.n.Load())
}

func TestSearch_NotFoundIsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, &countingLimiter{}).
		SearchByPrimaryKey(context.Background(), "000")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearch_RateLimitedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, &countingLimiter{}).
		SearchByPrimaryKey(context.Background(), "000")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	var te *resilience.TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)
	assert.Equal(t, 7*time.Second, te.RetryAfter)
}

func TestSearch_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, &countingLimiter{}).
		SearchByPrimaryKey(context.Background(), "000")
	assert.True(t, resilience.IsTransient(err))
}

func TestSearch_BadRequestIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad identifier"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, &countingLimiter{}).
		SearchByPrimaryKey(context.Background(), "000")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "unexpected status 400")
}

func TestSearch_TimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, &countingLimiter{}, WithTimeout(20*time.Millisecond)).
		SearchByPrimaryKey(context.Background(), "000")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestSearch_UnauthorizedRefreshesOnce(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeItems(t, w, Listing{ExternalID: "B003"})
	}))
	defer srv.Close()

	auth := &fakeAuth{}
	lim := &countingLimiter{}
	got, err := newTestClient(t, srv.URL, lim, WithAuth(auth)).
		SearchByPrimaryKey(context.Background(), "000")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(2), apiCalls.Load())
	assert.Equal(t, int32(1), auth.refreshes.Load())
	assert.Equal(t, int32(2), lim.n.Load(), "each attempt takes a token")
}

func TestSearch_SecondUnauthorizedIsTransient(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := &fakeAuth{}
	_, err := newTestClient(t, srv.URL, &countingLimiter{}, WithAuth(auth)).
		SearchByPrimaryKey(context.Background(), "000")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(2), apiCalls.Load())
	assert.Equal(t, int32(1), auth.refreshes.Load())
}

func TestSearch_RefreshFailureIsTransient(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := &fakeAuth{refreshErr: errors.New("token endpoint down")}
	_, err := newTestClient(t, srv.URL, &countingLimiter{}, WithAuth(auth)).
		SearchByPrimaryKey(context.Background(), "000")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), apiCalls.Load())
}

func TestSearch_LimiterErrorStopsCall(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
	}))
	defer srv.Close()

	lim := &countingLimiter{err: context.Canceled}
	_, err := newTestClient(t, srv.URL, lim).SearchByPrimaryKey(context.Background(), "000")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), apiCalls.Load())
}

func TestSearch_BreakerOpensOnRepeatedFailures(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	c := newTestClient(t, srv.URL, &countingLimiter{}, WithBreaker(cb))

	for range 2 {
		_, err := c.SearchByPrimaryKey(context.Background(), "000")
		require.Error(t, err)
	}
	_, err := c.SearchByPrimaryKey(context.Background(), "000")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(2), apiCalls.Load())
}

type recordingObserver struct {
	codes []int
}

func (o *recordingObserver) ObserveCall(_ string, code int, _ time.Duration) {
	o.codes = append(o.codes, code)
}

func TestSearch_ObserverSeesEachAttempt(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeItems(t, w)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	_, err := newTestClient(t, srv.URL, &countingLimiter{}, WithAuth(&fakeAuth{}), WithObserver(obs)).
		SearchByPrimaryKey(context.Background(), "000")
	require.NoError(t, err)
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusOK}, obs.codes)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 30*time.Second)
}
