package backup

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcm/jointracker/internal/ledger"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func testClient(baseURL string) *Client {
	return NewClient(testLogger(), Config{
		BaseURL:  baseURL,
		APIKey:   "secret",
		Timeout:  time.Second,
		RetryFor: 5 * time.Second,
	})
}

func sampleStats() ledger.Stats {
	return ledger.Stats{Members: map[string]*ledger.MemberRecord{
		"alice": {TotalSoloSeconds: 42},
	}}
}

func TestPushRetriesServerErrors(t *testing.T) {
	var (
		attempts atomic.Int32
		mu       sync.Mutex
		got      pushRequest
		key      string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		assert.Equal(t, "/save-json", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		mu.Lock()
		defer mu.Unlock()

		key = r.Header.Get("x-api-key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv.URL+"/").Push(context.Background(), "g1", sampleStats()))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, "secret", key)
	assert.Equal(t, "g1", got.GuildID)
	assert.InDelta(t, 42, got.Data.Members["alice"].TotalSoloSeconds, 0.001)
}

func TestPushClientErrorIsPermanent(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Push(context.Background(), "g1", sampleStats())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPushNotConfigured(t *testing.T) {
	assert.ErrorIs(t, testClient("").Push(context.Background(), "g1", sampleStats()), ErrNotConfigured)

	_, err := testClient("").Fetch(context.Background(), "g1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestPushAll(t *testing.T) {
	var (
		mu     sync.Mutex
		guilds []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		guilds = append(guilds, req.GuildID)
		mu.Unlock()
	}))
	defer srv.Close()

	err := testClient(srv.URL).PushAll(context.Background(), map[string]ledger.Stats{
		"g1": sampleStats(),
		"g2": sampleStats(),
		"g3": sampleStats(),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2", "g3"}, guilds)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))

		switch r.URL.Path {
		case "/stats/wrapped":
			_, _ = io.WriteString(w, `{"created_at":"2024-01-01T00:00:00","data":{"members":{"null":{"total_solo_seconds":5},"alice":{"total_solo_seconds":7}}}}`)
		case "/stats/bare":
			_, _ = io.WriteString(w, `{"members":{"bob":{"depressive_attempts":2}}}`)
		case "/stats/error":
			_, _ = io.WriteString(w, `{"error":"nothing saved"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	ctx := context.Background()

	stats, err := c.Fetch(ctx, "wrapped")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Contains(t, stats.Members, "None")
	assert.NotContains(t, stats.Members, "null")
	assert.InDelta(t, 7, stats.Members["alice"].TotalSoloSeconds, 0.001)

	stats, err = c.Fetch(ctx, "bare")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Members["bob"].DepressiveAttempts)

	stats, err = c.Fetch(ctx, "error")
	require.NoError(t, err)
	assert.Nil(t, stats)

	stats, err = c.Fetch(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestSanitizeKeys(t *testing.T) {
	in := map[string]any{
		"null": map[string]any{"null": 1.0, "x": []any{map[string]any{"null": true}}},
		"ok":   "null",
	}

	assert.Equal(t, map[string]any{
		"None": map[string]any{"None": 1.0, "x": []any{map[string]any{"None": true}}},
		"ok":   "null",
	}, SanitizeKeys(in))
}

type staticExporter map[string]ledger.Stats

func (s staticExporter) Export() map[string]ledger.Stats {
	return s
}

func TestSchedulerFinalPush(t *testing.T) {
	var pushes atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pushes.Add(1)
	}))
	defer srv.Close()

	s := NewScheduler(testLogger(), testClient(srv.URL), staticExporter{"g1": sampleStats()}, "")

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), pushes.Load())
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(testLogger(), testClient("http://example.invalid"), staticExporter{}, "not a schedule")
	assert.Error(t, s.Start(context.Background()))
}
