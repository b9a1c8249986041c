package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)

func TestRecordCallStartCreditsInitiatorOnIncumbentEntry(t *testing.T) {
	l := New()

	l.RecordCallStart("bob", "alice")
	l.RecordCallStart("bob", "alice")
	l.RecordCallStart("alice", "bob")

	ps := l.PairStats("alice", "bob")
	assert.Equal(t, 1, ps.CallsAtoB)
	assert.Equal(t, 2, ps.CallsBtoA)
	assert.Equal(t, 3, ps.TotalCalls())

	snap := l.Snapshot()
	assert.Equal(t, 2, snap.Stats.Members["alice"].Partners["bob"].CallsStartedByOther)
	assert.Equal(t, 1, snap.Stats.Members["bob"].Partners["alice"].CallsStartedByOther)
}

func TestRecordCallStartIgnoresSelf(t *testing.T) {
	l := New()

	l.RecordCallStart("alice", "alice")

	assert.Empty(t, l.Members())
}

func TestConsolidateIsSymmetric(t *testing.T) {
	l := New()

	l.OpenSession("alice", "bob", t0)
	assert.True(t, l.HasOpenSession("alice", "bob"))
	assert.True(t, l.HasOpenSession("bob", "alice"))

	l.CloseSession("alice", "bob", t0.Add(30*time.Second))
	assert.False(t, l.HasOpenSession("alice", "bob"))

	added := l.Consolidate("alice", "bob")
	assert.InDelta(t, 30, added, 0.001)

	ab := l.PairStats("alice", "bob")
	ba := l.PairStats("bob", "alice")
	assert.InDelta(t, 30, ab.TotalSharedSeconds, 0.001)
	assert.Equal(t, ab.TotalSharedSeconds, ba.TotalSharedSeconds)

	snap := l.Snapshot()
	assert.Equal(t,
		snap.Stats.Members["alice"].Partners["bob"].TotalSharedSeconds,
		snap.Stats.Members["bob"].Partners["alice"].TotalSharedSeconds,
	)
	assert.Empty(t, snap.Markers.Sessions)
}

func TestConsolidateTwiceIsNoop(t *testing.T) {
	l := New()

	l.OpenSession("alice", "bob", t0)
	l.CloseSession("bob", "alice", t0.Add(10*time.Second))
	l.Consolidate("alice", "bob")

	before := l.Snapshot()
	added := l.Consolidate("alice", "bob")
	after := l.Snapshot()

	assert.Zero(t, added)
	assert.Equal(t, before, after)
}

func TestConsolidateKeepsOpenIntervals(t *testing.T) {
	l := New()

	l.OpenSession("alice", "bob", t0)
	l.CloseSession("alice", "bob", t0.Add(5*time.Second))
	l.OpenSession("alice", "bob", t0.Add(10*time.Second))

	added := l.Consolidate("alice", "bob")
	assert.InDelta(t, 5, added, 0.001)
	assert.True(t, l.HasOpenSession("alice", "bob"))
	assert.True(t, l.HasOpenSession("bob", "alice"))
}

func TestConsolidateAccumulates(t *testing.T) {
	l := New()

	for i := 0; i < 3; i++ {
		start := t0.Add(time.Duration(i) * time.Hour)
		l.OpenSession("alice", "bob", start)
		l.CloseSession("alice", "bob", start.Add(time.Minute))
		l.Consolidate("bob", "alice")
	}

	assert.InDelta(t, 180, l.PairStats("alice", "bob").TotalSharedSeconds, 0.001)
	assert.InDelta(t, 180, l.PairStats("bob", "alice").TotalSharedSeconds, 0.001)
}

func TestConsolidateDiscardsCorruptIntervals(t *testing.T) {
	raw := `{
		"stats": {"members": {}},
		"markers": {
			"solo": {},
			"sessions": {
				"alice": {"bob": [{"start": "not-a-time", "end": "2025-03-01T20:00:10Z"}]},
				"bob": {"alice": [{"start": "not-a-time", "end": "2025-03-01T20:00:10Z"}]}
			}
		}
	}`

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))

	l := FromSnapshot(snap)
	added := l.Consolidate("alice", "bob")

	assert.Zero(t, added)
	assert.Empty(t, l.Snapshot().Markers.Sessions)
	assert.Empty(t, l.Members())
}

func TestSoloPeriod(t *testing.T) {
	l := New()

	assert.True(t, l.OpenSolo("alice", "c1", t0))
	assert.False(t, l.OpenSolo("alice", "c2", t0.Add(time.Second)))

	sp, ok := l.SoloPeriod("alice")
	require.True(t, ok)
	assert.Equal(t, "c1", sp.ChannelID)

	assert.InDelta(t, 42, l.CloseSolo("alice", t0.Add(42*time.Second)), 0.001)
	assert.Zero(t, l.CloseSolo("alice", t0.Add(time.Hour)))

	_, ok = l.SoloPeriod("alice")
	assert.False(t, ok)
	assert.InDelta(t, 42, l.MemberStats("alice").TotalSoloSeconds, 0.001)
}

func TestCloseSoloWithCorruptStart(t *testing.T) {
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(`{"markers": {"solo": {"alice": {"start": 12}}}}`), &snap))

	l := FromSnapshot(snap)
	_, ok := l.SoloPeriod("alice")
	require.True(t, ok)

	assert.Zero(t, l.CloseSolo("alice", t0))

	_, ok = l.SoloPeriod("alice")
	assert.False(t, ok)
	assert.Empty(t, l.Members())
}

func TestRecordDepressiveEpisode(t *testing.T) {
	l := New()

	l.RecordDepressiveEpisode("alice", 12.5)
	l.RecordDepressiveEpisode("alice", -3)

	ms := l.MemberStats("alice")
	assert.Equal(t, 2, ms.DepressiveAttempts)
	assert.InDelta(t, 12.5, ms.DepressiveSeconds, 0.001)
}

func TestTrackingEnabled(t *testing.T) {
	l := New()

	assert.True(t, l.TrackingEnabled("alice"))

	l.SetOptOut("alice", true)
	assert.False(t, l.TrackingEnabled("alice"))
	assert.False(t, BothTracked(l, "alice", "bob"))
	assert.True(t, BothTracked(l, "bob", "carol"))

	l.SetOptOut("alice", false)
	assert.True(t, l.TrackingEnabled("alice"))
}

func TestMemberStatsIncludesIncomingPartners(t *testing.T) {
	l := New()

	l.RecordCallStart("bob", "alice")
	l.OpenSession("bob", "alice", t0)
	l.CloseSession("bob", "alice", t0.Add(time.Minute))
	l.Consolidate("bob", "alice")

	l.RecordCallStart("alice", "carol")

	ms := l.MemberStats("alice")
	require.Len(t, ms.Partners, 2)

	assert.Equal(t, "bob", ms.Partners[0].PartnerID)
	assert.Equal(t, 1, ms.Partners[0].CallsIn)
	assert.Equal(t, 0, ms.Partners[0].CallsOut)
	assert.InDelta(t, 60, ms.Partners[0].TotalSharedSeconds, 0.001)

	assert.Equal(t, "carol", ms.Partners[1].PartnerID)
	assert.Equal(t, 1, ms.Partners[1].CallsOut)
}

func TestSnapshotRoundTripPreservesTables(t *testing.T) {
	l := New()

	l.RecordCallStart("bob", "alice")
	l.OpenSession("bob", "alice", t0)
	l.OpenSolo("carol", "c9", t0)

	data, err := json.Marshal(l.Snapshot())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	restored := FromSnapshot(snap)
	assert.True(t, restored.HasOpenSession("alice", "bob"))
	assert.Equal(t, 1, restored.PairStats("bob", "alice").CallsAtoB)

	sp, ok := restored.SoloPeriod("carol")
	require.True(t, ok)
	assert.True(t, sp.Start.Equal(t0))
}

func TestTimestampAcceptsLegacyLayout(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2025-03-01T20:00:00.123456"`), &ts))
	assert.True(t, ts.Valid())

	var missing Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"yesterday"`), &missing))
	assert.False(t, missing.Valid())

	data, err := json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestOpenSessionReplacesStaleInterval(t *testing.T) {
	l := New()

	l.OpenSession("alice", "bob", t0)
	l.OpenSession("alice", "bob", t0.Add(time.Hour))
	l.CloseSession("alice", "bob", t0.Add(time.Hour+10*time.Second))

	added := l.Consolidate("alice", "bob")
	assert.InDelta(t, 10, added, 0.001)
	assert.InDelta(t, 10, l.PairStats("bob", "alice").TotalSharedSeconds, 0.001)
}

func TestReconcileClosesOpenStateAtLastSave(t *testing.T) {
	l := New()

	l.RecordCallStart("bob", "alice")
	l.OpenSession("alice", "bob", t0)
	l.OpenSolo("carol", "c2", t0.Add(30*time.Second))

	restored := FromSnapshot(l.Snapshot())
	assert.Equal(t, 3, restored.Reconcile(t0.Add(time.Minute)), "both directions of the session and the solo period")

	assert.False(t, restored.HasOpenState())
	assert.InDelta(t, 60, restored.PairStats("alice", "bob").TotalSharedSeconds, 0.001)
	assert.InDelta(t, 60, restored.PairStats("bob", "alice").TotalSharedSeconds, 0.001)
	assert.InDelta(t, 30, restored.MemberStats("carol").TotalSoloSeconds, 0.001)

	// A later session starts fresh instead of inheriting the old start.
	restored.OpenSession("alice", "bob", t0.Add(10*time.Hour))
	restored.CloseSession("alice", "bob", t0.Add(10*time.Hour+10*time.Second))
	restored.Consolidate("alice", "bob")
	assert.InDelta(t, 70, restored.PairStats("alice", "bob").TotalSharedSeconds, 0.001)
}

func TestReconcileWithoutSaveTimeDropsOpenState(t *testing.T) {
	l := New()

	l.OpenSession("alice", "bob", t0)
	l.CloseSession("alice", "bob", t0.Add(5*time.Second))
	l.OpenSession("alice", "bob", t0.Add(time.Minute))
	l.OpenSolo("carol", "c2", t0)
	l.OpenSolo("dave", "c3", t0)
	l.SetOptOut("dave", true)

	assert.Equal(t, 4, l.Reconcile(time.Time{}))

	assert.False(t, l.HasOpenState())
	assert.InDelta(t, 5, l.PairStats("alice", "bob").TotalSharedSeconds, 0.001, "closed intervals are still counted")
	assert.Zero(t, l.MemberStats("carol").TotalSoloSeconds)
	assert.Zero(t, l.MemberStats("dave").TotalSoloSeconds)
}

func TestRelocateSolo(t *testing.T) {
	l := New()

	l.RelocateSolo("alice", "c2")
	_, ok := l.SoloPeriod("alice")
	assert.False(t, ok)

	l.OpenSolo("alice", "c1", t0)
	l.RelocateSolo("alice", "c2")

	sp, ok := l.SoloPeriod("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", sp.ChannelID)
	assert.True(t, sp.Start.Equal(t0))
}
