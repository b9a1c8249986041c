package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/samcm/jointracker/internal/ledger"
	"github.com/samcm/jointracker/internal/solitude"
	"github.com/samcm/jointracker/internal/store"
	"github.com/sirupsen/logrus"
)

// Guild is the presence state machine of one guild. Handlers are serialised by
// the guild lock and persist the snapshot after every mutation.
type Guild struct {
	id      string
	log     logrus.FieldLogger
	clock   quartz.Clock
	store   store.Store
	metrics *Metrics

	mu       sync.Mutex
	ledger   *ledger.Ledger
	detector *solitude.Detector
	history  *History

	// dirty is set whenever memory is ahead of the store.
	dirty atomic.Bool
}

func newGuild(log logrus.FieldLogger, id string, cfg Config, clock quartz.Clock, st store.Store, metrics *Metrics, snap ledger.Snapshot) *Guild {
	g := &Guild{
		id:      id,
		log:     log.WithField("guild", id),
		clock:   clock,
		store:   st,
		metrics: metrics,
		ledger:  ledger.FromSnapshot(snap),
		history: NewHistory(cfg.HistoryLimit),
	}

	g.detector = solitude.New(g.log, clock, cfg.SoloTimeout, g.onSolitudeExpired)
	g.settle(snap)

	return g
}

// settle closes what the previous run left open at the snapshot's save time.
// Presence is unknown after a restart, so nothing is carried past that point.
func (g *Guild) settle(snap ledger.Snapshot) {
	at := snap.SavedAt.Time
	settled := g.ledger.Reconcile(at)

	for member, marker := range markersFromSnapshot(snap.Markers.Depressive) {
		settled++

		if g.ledger.TrackingEnabled(member) {
			g.recordEpisodeLocked(member, marker, at)
		}
	}

	if settled == 0 {
		return
	}

	g.dirty.Store(true)

	g.log.WithFields(logrus.Fields{
		"settled":  settled,
		"saved_at": at,
	}).Info("Settled state left open by the previous run")
}

// ID returns the guild id.
func (g *Guild) ID() string {
	return g.id
}

func (g *Guild) onSolitudeExpired(_ string) {
	g.dirty.Store(true)
	g.metrics.solitudeExpired.Inc()
}

// HandleJoin applies a join.
func (g *Guild) HandleJoin(ctx context.Context, ev Joined) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	count := g.history.Record(ev.ChannelID, 1)

	g.joinLocked(ev.MemberID, ev.ChannelID, peersOf(ev.MemberID, ev.Occupants), now)
	g.metrics.events.WithLabelValues("join").Inc()

	g.log.WithFields(logrus.Fields{
		"member":    ev.MemberID,
		"channel":   ev.ChannelID,
		"occupants": count,
	}).Info("Member joined voice channel")

	return g.persistLocked(ctx)
}

// HandleLeave applies a leave.
func (g *Guild) HandleLeave(ctx context.Context, ev Left) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	count := g.history.Record(ev.ChannelID, -1)

	g.endSolitudeLocked(ev.MemberID, now)
	g.leaveLocked(ev.MemberID, ev.ChannelID, peersOf(ev.MemberID, ev.Occupants), now)
	g.metrics.events.WithLabelValues("leave").Inc()

	g.log.WithFields(logrus.Fields{
		"member":    ev.MemberID,
		"channel":   ev.ChannelID,
		"occupants": count,
	}).Info("Member left voice channel")

	return g.persistLocked(ctx)
}

// HandleMove applies a move between two channels of this guild as one
// transition.
func (g *Guild) HandleMove(ctx context.Context, ev Moved) error {
	if ev.CrossGuild() {
		return fmt.Errorf("move of %s spans guilds %s and %s", ev.MemberID, ev.FromGuildID, ev.ToGuildID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.history.Record(ev.FromChannelID, -1)
	g.history.Record(ev.ToChannelID, 1)

	g.leaveLocked(ev.MemberID, ev.FromChannelID, peersOf(ev.MemberID, ev.FromOccupants), now)

	// Solitude carries over when the member lands alone.
	if peers := peersOf(ev.MemberID, ev.ToOccupants); len(peers) == 0 {
		g.beginSolitudeLocked(ev.MemberID, ev.ToChannelID, now)
	} else {
		g.joinLocked(ev.MemberID, ev.ToChannelID, peers, now)
	}

	g.metrics.events.WithLabelValues("move").Inc()

	g.log.WithFields(logrus.Fields{
		"member": ev.MemberID,
		"from":   ev.FromChannelID,
		"to":     ev.ToChannelID,
	}).Info("Member moved voice channel")

	return g.persistLocked(ctx)
}

// joinLocked accounts member arriving among peers.
func (g *Guild) joinLocked(member, channelID string, peers []string, now time.Time) {
	if len(peers) == 0 {
		g.beginSolitudeLocked(member, channelID, now)
		return
	}

	g.endSolitudeLocked(member, now)

	for _, peer := range peers {
		g.endSolitudeLocked(peer, now)

		if !ledger.BothTracked(g.ledger, member, peer) {
			continue
		}

		g.ledger.RecordCallStart(member, peer)
		g.ledger.OpenSession(member, peer, now)
	}
}

// leaveLocked accounts member departing from peers. The leaver's own solitude
// is left to the caller.
func (g *Guild) leaveLocked(member, channelID string, peers []string, now time.Time) {
	for _, peer := range peers {
		if !ledger.BothTracked(g.ledger, member, peer) {
			continue
		}

		g.ledger.CloseSession(member, peer, now)
		g.ledger.Consolidate(member, peer)
	}

	if len(peers) == 1 {
		g.beginSolitudeLocked(peers[0], channelID, now)
	}
}

// beginSolitudeLocked opens member's solo period and countdown. One that is
// already running keeps its start and only follows member to channelID.
func (g *Guild) beginSolitudeLocked(member, channelID string, now time.Time) {
	if !g.ledger.TrackingEnabled(member) {
		return
	}

	if !g.ledger.OpenSolo(member, channelID, now) {
		g.ledger.RelocateSolo(member, channelID)
	}

	if !g.detector.Start(member, channelID) {
		g.detector.Relocate(member, channelID)
	}
}

// endSolitudeLocked cancels member's countdown, resolves any raised flag into
// a depressive episode and consolidates the open solo period.
func (g *Guild) endSolitudeLocked(member string, now time.Time) {
	g.detector.Cancel(member)

	tracked := g.ledger.TrackingEnabled(member)

	if marker, ok := g.detector.Resolve(member); ok && tracked {
		g.recordEpisodeLocked(member, marker, now)
	}

	if tracked {
		g.ledger.CloseSolo(member, now)
	} else {
		g.ledger.DiscardSolo(member)
	}
}

// recordEpisodeLocked counts a raised flag ending at now. A marker without a
// usable start is dropped.
func (g *Guild) recordEpisodeLocked(member string, marker solitude.Marker, now time.Time) {
	if marker.Start.IsZero() {
		return
	}

	seconds := 0.0
	if now.After(marker.Start) {
		seconds = now.Sub(marker.Start).Seconds()
	}

	g.ledger.RecordDepressiveEpisode(member, seconds)
	g.metrics.depressiveEpisodes.Inc()

	g.log.WithFields(logrus.Fields{
		"member":  member,
		"channel": marker.ChannelID,
		"seconds": seconds,
	}).Info("Depressive episode ended")
}

// SetOptOut stores member's tracking preference. Opting out drops the
// member's open solo period, countdown, flag and shared sessions unaccounted.
func (g *Guild) SetOptOut(ctx context.Context, member string, optOut bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ledger.SetOptOut(member, optOut)

	if optOut {
		g.detector.Cancel(member)
		g.detector.Resolve(member)
		g.ledger.DiscardSolo(member)
		g.ledger.DiscardSessions(member)
	}

	g.log.WithFields(logrus.Fields{
		"member":  member,
		"opt_out": optOut,
	}).Info("Tracking preference updated")

	return g.persistLocked(ctx)
}

// RestoreStats replaces the guild's aggregates, typically with a remote
// backup, and persists them.
func (g *Guild) RestoreStats(ctx context.Context, stats ledger.Stats) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ledger.ReplaceStats(stats)

	g.log.WithField("members", len(stats.Members)).Info("Replaced guild statistics")

	return g.persistLocked(ctx)
}

// PairStats returns the combined statistics of a and b.
func (g *Guild) PairStats(a, b string) ledger.PairStats {
	return g.ledger.PairStats(a, b)
}

// MemberStats returns member's statistics.
func (g *Guild) MemberStats(member string) ledger.MemberStats {
	return g.ledger.MemberStats(member)
}

// Depressed reports whether member's solitude countdown has expired.
func (g *Guild) Depressed(member string) bool {
	return g.detector.Depressed(member)
}

// Occupancy returns channelID's occupancy series.
func (g *Guild) Occupancy(channelID string) []int {
	return g.history.Series(channelID)
}

// Stats returns a copy of the aggregates table.
func (g *Guild) Stats() ledger.Stats {
	return g.ledger.Snapshot().Stats
}

// Dirty reports whether memory holds changes not yet persisted.
func (g *Guild) Dirty() bool {
	return g.dirty.Load()
}

// Flush persists the guild if it has unsaved changes. A guild with open
// sessions or solo periods is rewritten as well, so the saved time trails the
// last known presence by at most one flush.
func (g *Guild) Flush(ctx context.Context) error {
	if !g.dirty.Load() && !g.ledger.HasOpenState() {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.saveLocked(ctx)
}

func (g *Guild) persistLocked(ctx context.Context) error {
	g.dirty.Store(true)

	return g.saveLocked(ctx)
}

func (g *Guild) saveLocked(ctx context.Context) error {
	// Cleared first so a flag raised during the save is not lost.
	g.dirty.Store(false)

	snap := g.ledger.Snapshot()
	snap.Markers.Depressive = markersToSnapshot(g.detector.Markers())
	snap.SavedAt = ledger.At(g.clock.Now())

	data, err := json.Marshal(snap)
	if err != nil {
		g.dirty.Store(true)

		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := g.store.Save(ctx, g.id, store.KindTracker, data); err != nil {
		g.dirty.Store(true)
		g.metrics.snapshotErrors.Inc()

		return fmt.Errorf("failed to save snapshot for guild %s: %w", g.id, err)
	}

	g.metrics.snapshotSaves.Inc()

	return nil
}

func (g *Guild) close() {
	g.detector.Close()
}

func decodeSnapshot(data []byte) (ledger.Snapshot, error) {
	var snap ledger.Snapshot

	if len(data) == 0 {
		return snap, nil
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return snap, nil
}

func markersFromSnapshot(in map[string]*ledger.Marker) map[string]solitude.Marker {
	out := make(map[string]solitude.Marker, len(in))

	for id, m := range in {
		if m == nil {
			continue
		}

		out[id] = solitude.Marker{Start: m.Start.Time, ChannelID: m.ChannelID}
	}

	return out
}

func markersToSnapshot(in map[string]solitude.Marker) map[string]*ledger.Marker {
	if len(in) == 0 {
		return nil
	}

	out := make(map[string]*ledger.Marker, len(in))

	for id, m := range in {
		out[id] = &ledger.Marker{Start: ledger.At(m.Start), ChannelID: m.ChannelID}
	}

	return out
}
