package netclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kisaki/internal/metrics"
	"kisaki/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetricsCollector()
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 10 * time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 100 * time.Millisecond
	}
	return New(cfg)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestFetch_ReturnsNon2xxWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	resp, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_SetsUserAgentAndHeaders(t *testing.T) {
	var gotUA, gotAccept, gotMethod string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotAccept = r.Header.Get("Accept")
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{UserAgent: "kisaki-test/1.0"})
	resp, err := c.Fetch(context.Background(), srv.URL,
		WithMethod(http.MethodPost), WithHeader("Accept", "application/json"), WithBody([]byte(`{"q":1}`)))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "kisaki-test/1.0", gotUA)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.JSONEq(t, `{"q":1}`, string(gotBody))
}

func TestFetch_TimeoutIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	col := metrics.NewMetricsCollector()
	c := newTestClient(t, Config{Metrics: col})

	start := time.Now()
	_, err := c.Fetch(context.Background(), srv.URL, WithTimeout(50*time.Millisecond), WithRetries(3))
	elapsed := time.Since(start)

	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, int32(1), hits.Load(), "timed-out attempt must not be retried")
	assert.Equal(t, int64(1), col.Snapshot()[metrics.FetchTimeouts])
}

func TestFetch_TimeoutDoesNotCutOffBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(120 * time.Millisecond)
		_, _ = w.Write([]byte("late body"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	resp, err := c.Fetch(context.Background(), srv.URL, WithTimeout(60*time.Millisecond))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "late body", string(body))
}

func TestFetch_RetriesTransportErrorsWithBackoff(t *testing.T) {
	var mu sync.Mutex
	var calls []time.Time
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		n := len(calls)
		mu.Unlock()
		if n <= 2 {
			return nil, errors.New("connection reset by peer")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
			Request:    r,
		}, nil
	})

	col := metrics.NewMetricsCollector()
	c := newTestClient(t, Config{
		HTTPClient:  &http.Client{Transport: rt},
		Metrics:     col,
		BackoffBase: 40 * time.Millisecond,
		BackoffMax:  time.Second,
	})

	resp, err := c.Fetch(context.Background(), "http://example.invalid/data", WithRetries(3))
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 80*time.Millisecond)
	snap := col.Snapshot()
	assert.Equal(t, int64(3), snap[metrics.FetchAttempts])
	assert.Equal(t, int64(2), snap[metrics.FetchRetries])
}

func TestFetch_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("no route to host")
	})
	c := newTestClient(t, Config{HTTPClient: &http.Client{Transport: rt}})

	_, err := c.Fetch(context.Background(), "http://example.invalid/", WithRetries(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to host")
	assert.False(t, IsTimeout(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_ClientDefaultsApplyWithoutOptions(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})

	c := newTestClient(t, Config{HTTPClient: &http.Client{Transport: rt}, Retries: -1})
	_, err := c.Fetch(context.Background(), "http://example.invalid/")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	c = newTestClient(t, Config{HTTPClient: &http.Client{Transport: rt}, Retries: 1})
	_, err = c.Fetch(context.Background(), "http://example.invalid/")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_ContextCancelStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("refused")
	})
	c := newTestClient(t, Config{
		HTTPClient:  &http.Client{Transport: rt},
		BackoffBase: time.Second,
		BackoffMax:  time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, "http://example.invalid/", WithRetries(5))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_InvalidURL(t *testing.T) {
	c := newTestClient(t, Config{})
	_, err := c.Fetch(context.Background(), "not a url")
	assert.ErrorContains(t, err, "invalid url")
}

func TestBackoff_DoublesUpToMax(t *testing.T) {
	c := New(Config{Logger: testLogger()})
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, c.backoff(i), "attempt %d", i)
	}
}

func TestFetch_RateLimitSpacesRequests(t *testing.T) {
	const window = 150 * time.Millisecond
	var mu sync.Mutex
	var seen []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, time.Now())
		mu.Unlock()
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	require.NoError(t, c.RegisterRateLimit("api.example.com", ratelimit.Config{MaxRequests: 1, Window: window}))

	for i := 0; i < 2; i++ {
		resp, err := c.Fetch(context.Background(), srv.URL, WithRateLimitKey("api.example.com"))
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.Len(t, seen, 2)
	assert.GreaterOrEqual(t, seen[1].Sub(seen[0]), window-10*time.Millisecond)
}

func TestFetch_UnknownRateLimitKeyIsUnlimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	start := time.Now()
	for i := 0; i < 5; i++ {
		resp, err := c.Fetch(context.Background(), srv.URL, WithRateLimitKey("missing"))
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestRateLimitRegistry(t *testing.T) {
	c := newTestClient(t, Config{})
	require.Error(t, c.RegisterRateLimit("", ratelimit.Config{MaxRequests: 1, Window: time.Second}))
	require.Error(t, c.RegisterRateLimit("bad", ratelimit.Config{}))

	require.NoError(t, c.RegisterRateLimit("b.example", ratelimit.Config{MaxRequests: 2, Window: time.Second}))
	require.NoError(t, c.RegisterRateLimit("a.example", ratelimit.Config{MaxRequests: 5, Window: time.Minute}))

	limits := c.RateLimits()
	require.Len(t, limits, 2)
	assert.Equal(t, "a.example", limits[0].Key)
	assert.Equal(t, 5, limits[0].Config.MaxRequests)
	assert.Equal(t, "b.example", limits[1].Key)

	c.UnregisterRateLimit("a.example")
	c.UnregisterRateLimit("never-registered")
	limits = c.RateLimits()
	require.Len(t, limits, 1)
	assert.Equal(t, "b.example", limits[0].Key)
}

func TestDownloadBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		_, _ = w.Write([]byte("cover-art-bytes"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	data, err := c.DownloadBuffer(context.Background(), srv.URL+"/cover.jpg")
	require.NoError(t, err)
	assert.Equal(t, "cover-art-bytes", string(data))

	_, err = c.DownloadBuffer(context.Background(), srv.URL+"/missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusGone, se.StatusCode)
	assert.Equal(t, "gone", se.Body)
	assert.Equal(t, http.MethodGet, se.Method)

	_, err = c.DownloadBuffer(context.Background(), srv.URL+"/missing",
		WithMethod(http.MethodPost), WithBody([]byte(`{"q":"x"}`)))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.MethodPost, se.Method)
	assert.True(t, strings.HasPrefix(se.Error(), "POST "), se.Error())
}

func TestDownloadToFile_Success(t *testing.T) {
	payload := strings.Repeat("k", 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "dir", "file.bin")
	var lastWritten, lastTotal int64
	c := newTestClient(t, Config{})
	n, err := c.DownloadToFile(context.Background(), srv.URL, dest, WithProgress(func(written, total int64) {
		lastWritten, lastTotal = written, total
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, int64(len(payload)), lastWritten)
	assert.Equal(t, int64(len(payload)), lastTotal)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestDownloadToFile_InterruptedStreamIsRetriedFromScratch(t *testing.T) {
	payload := strings.Repeat("x", 1000)
	dest := filepath.Join(t.TempDir(), "game.zip")

	var hits atomic.Int32
	var partialSeenOnRetry atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n == 1 {
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(payload[:100]))
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		if _, err := os.Stat(dest); err == nil {
			partialSeenOnRetry.Store(true)
		}
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	n, err := c.DownloadToFile(context.Background(), srv.URL, dest, WithRetries(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	assert.Equal(t, int32(2), hits.Load())
	assert.False(t, partialSeenOnRetry.Load(), "partial file must be removed before retrying")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestDownloadToFile_FailureLeavesNoFile(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

	c := newTestClient(t, Config{})
	n, err := c.DownloadToFile(context.Background(), srv.URL, dest, WithRetries(1))
	require.Error(t, err)
	assert.Zero(t, n)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, int32(2), hits.Load(), "status failures retry the whole unit")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadToFile_RetriesTimeouts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "slow.bin")
	c := newTestClient(t, Config{})
	n, err := c.DownloadToFile(context.Background(), srv.URL, dest, WithTimeout(50*time.Millisecond), WithRetries(1))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, int32(2), hits.Load())
}
