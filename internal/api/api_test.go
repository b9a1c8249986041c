package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcm/jointracker/internal/ledger"
	"github.com/samcm/jointracker/internal/store"
	"github.com/samcm/jointracker/internal/tracker"
)

type fakeStats struct {
	err error
}

func (f fakeStats) PairStats(_ context.Context, _, a, b string) (ledger.PairStats, error) {
	return ledger.PairStats{MemberA: a, MemberB: b, CallsAtoB: 2, TotalSharedSeconds: 30}, f.err
}

func (f fakeStats) MemberStats(_ context.Context, _, member string) (ledger.MemberStats, error) {
	return ledger.MemberStats{MemberID: member, TotalSoloSeconds: 12}, f.err
}

func (f fakeStats) Guilds() []string {
	return []string{"g1"}
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	return rec
}

func TestRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "jointracker_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := NewServer(testLogger(), Config{}, fakeStats{}, reg).Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jointracker_test_total 1")

	rec = get(t, h, "/stats/g1/members/alice")
	require.Equal(t, http.StatusOK, rec.Code)

	var member ledger.MemberStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &member))
	assert.Equal(t, "alice", member.MemberID)
	assert.InDelta(t, 12, member.TotalSoloSeconds, 0.001)

	rec = get(t, h, "/stats/g1/pairs/alice/bob")
	require.Equal(t, http.StatusOK, rec.Code)

	var pair ledger.PairStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.Equal(t, "bob", pair.MemberB)
	assert.Equal(t, 2, pair.CallsAtoB)

	rec = get(t, h, "/stats/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["g1"]`, rec.Body.String())
}

func TestQueryError(t *testing.T) {
	h := NewServer(testLogger(), Config{}, fakeStats{err: assert.AnError}, nil).Handler()

	rec := get(t, h, "/stats/g1/members/alice")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), assert.AnError.Error())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
}

func TestQueryErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown guild", fmt.Errorf("guild g9: %w", tracker.ErrUnknownGuild), http.StatusNotFound},
		{"invalid key", fmt.Errorf("load: %w", store.ErrInvalidKey), http.StatusBadRequest},
		{"store failure", assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(testLogger(), Config{}, fakeStats{err: tt.err}, nil).Handler()

			assert.Equal(t, tt.want, get(t, h, "/stats/g9/members/alice").Code)
			assert.Equal(t, tt.want, get(t, h, "/stats/g9/pairs/alice/bob").Code)
		})
	}
}

func TestUnknownGuildIsNotCreated(t *testing.T) {
	m := tracker.NewManager(testLogger(), tracker.Config{}, store.NewMemoryStore(), tracker.WithClock(quartz.NewMock(t)))
	defer m.Close()

	h := NewServer(testLogger(), Config{}, m, nil).Handler()

	assert.Equal(t, http.StatusNotFound, get(t, h, "/stats/bogus/members/alice").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/stats/bogus/pairs/alice/bob").Code)
	assert.Empty(t, m.Guilds())
	assert.Empty(t, m.Export())
}

func TestStartStop(t *testing.T) {
	s := NewServer(testLogger(), Config{Listen: "127.0.0.1:0"}, fakeStats{}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}
