// Package tracker turns voice presence events into per-guild statistics.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/samcm/jointracker/internal/ledger"
	"github.com/samcm/jointracker/internal/solitude"
	"github.com/samcm/jointracker/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownGuild is returned by queries for a guild with no state.
	ErrUnknownGuild = errors.New("unknown guild")
	// ErrClosed is returned when a guild is requested after Close.
	ErrClosed = errors.New("tracker closed")
)

// Config holds tracker settings.
type Config struct {
	SoloTimeout  time.Duration
	HistoryLimit int
}

// RestoreFunc fetches a guild's aggregates from a remote backup. It returns
// nil stats when the backup has nothing for the guild.
type RestoreFunc func(ctx context.Context, guildID string) (*ledger.Stats, error)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timestamps and countdowns.
func WithClock(clock quartz.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithMetrics sets the collectors the manager reports to.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithRestore sets the fallback used when a guild has no local snapshot.
func WithRestore(fn RestoreFunc) Option {
	return func(m *Manager) {
		m.restore = fn
	}
}

// Manager routes events to lazily loaded guilds.
type Manager struct {
	log     logrus.FieldLogger
	cfg     Config
	clock   quartz.Clock
	store   store.Store
	metrics *Metrics
	restore RestoreFunc

	// loads collapses concurrent first loads of a guild; mu is never held
	// while one runs.
	loads singleflight.Group

	mu     sync.Mutex
	guilds map[string]*Guild
	closed bool
}

var _ Sink = (*Manager)(nil)

// NewManager creates a Manager backed by st.
func NewManager(log logrus.FieldLogger, cfg Config, st store.Store, opts ...Option) *Manager {
	if cfg.SoloTimeout <= 0 {
		cfg.SoloTimeout = solitude.DefaultTimeout
	}

	m := &Manager{
		log:    log.WithField("component", "tracker"),
		cfg:    cfg,
		clock:  quartz.NewReal(),
		store:  st,
		guilds: make(map[string]*Guild),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}

	return m
}

// Guild returns guildID's state, loading it from the store on first use.
// Loading one guild does not block events for guilds already loaded.
func (m *Manager) Guild(ctx context.Context, guildID string) (*Guild, error) {
	if g, ok := m.lookup(guildID); ok {
		return g, nil
	}

	v, err, _ := m.loads.Do(guildID, func() (any, error) {
		if g, ok := m.lookup(guildID); ok {
			return g, nil
		}

		snap, err := m.load(ctx, guildID)
		if err != nil {
			return nil, err
		}

		g := newGuild(m.log, guildID, m.cfg, m.clock, m.store, m.metrics, snap)

		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed {
			g.close()
			return nil, ErrClosed
		}

		m.guilds[guildID] = g
		m.metrics.guilds.Set(float64(len(m.guilds)))

		return g, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Guild), nil
}

func (m *Manager) lookup(guildID string) (*Guild, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.guilds[guildID]

	return g, ok
}

// view returns guildID's ledger for reading: the live one when the guild is
// loaded, otherwise one decoded from the stored snapshot. It never creates
// guild state or consults the backup.
func (m *Manager) view(ctx context.Context, guildID string) (*ledger.Ledger, error) {
	if g, ok := m.lookup(guildID); ok {
		return g.ledger, nil
	}

	data, err := m.store.Load(ctx, guildID, store.KindTracker)
	if err != nil {
		return nil, fmt.Errorf("failed to load guild %s: %w", guildID, err)
	}

	if data == nil {
		return nil, fmt.Errorf("guild %s: %w", guildID, ErrUnknownGuild)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("guild %s: %w", guildID, err)
	}

	return ledger.FromSnapshot(snap), nil
}

func (m *Manager) load(ctx context.Context, guildID string) (ledger.Snapshot, error) {
	data, err := m.store.Load(ctx, guildID, store.KindTracker)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to load guild %s: %w", guildID, err)
	}

	if data != nil {
		snap, err := decodeSnapshot(data)
		if err != nil {
			return ledger.Snapshot{}, fmt.Errorf("guild %s: %w", guildID, err)
		}

		return snap, nil
	}

	var snap ledger.Snapshot

	if m.restore == nil {
		return snap, nil
	}

	stats, err := m.restore(ctx, guildID)
	if err != nil {
		m.log.WithError(err).WithField("guild", guildID).Warn("Failed to restore guild from backup, starting empty")

		return snap, nil
	}

	if stats != nil {
		snap.Stats = *stats

		m.log.WithFields(logrus.Fields{
			"guild":   guildID,
			"members": len(stats.Members),
		}).Info("Restored guild from backup")
	}

	return snap, nil
}

// Join handles a join event.
func (m *Manager) Join(ctx context.Context, ev Joined) error {
	g, err := m.Guild(ctx, ev.GuildID)
	if err != nil {
		return err
	}

	return g.HandleJoin(ctx, ev)
}

// Leave handles a leave event.
func (m *Manager) Leave(ctx context.Context, ev Left) error {
	g, err := m.Guild(ctx, ev.GuildID)
	if err != nil {
		return err
	}

	return g.HandleLeave(ctx, ev)
}

// Move handles a move event. A move across guilds is applied as a leave from
// the origin guild followed by a join in the destination guild.
func (m *Manager) Move(ctx context.Context, ev Moved) error {
	if !ev.CrossGuild() {
		g, err := m.Guild(ctx, ev.ToGuildID)
		if err != nil {
			return err
		}

		return g.HandleMove(ctx, ev)
	}

	var result *multierror.Error

	if err := m.Leave(ctx, Left{
		GuildID:   ev.FromGuildID,
		MemberID:  ev.MemberID,
		ChannelID: ev.FromChannelID,
		Occupants: ev.FromOccupants,
	}); err != nil {
		result = multierror.Append(result, err)
	}

	if err := m.Join(ctx, Joined{
		GuildID:   ev.ToGuildID,
		MemberID:  ev.MemberID,
		ChannelID: ev.ToChannelID,
		Occupants: ev.ToOccupants,
	}); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// SetOptOut stores member's tracking preference in guildID.
func (m *Manager) SetOptOut(ctx context.Context, guildID, member string, optOut bool) error {
	g, err := m.Guild(ctx, guildID)
	if err != nil {
		return err
	}

	return g.SetOptOut(ctx, member, optOut)
}

// RestoreStats replaces guildID's aggregates with stats.
func (m *Manager) RestoreStats(ctx context.Context, guildID string, stats ledger.Stats) error {
	g, err := m.Guild(ctx, guildID)
	if err != nil {
		return err
	}

	return g.RestoreStats(ctx, stats)
}

// PairStats returns the combined statistics of a and b in guildID.
func (m *Manager) PairStats(ctx context.Context, guildID, a, b string) (ledger.PairStats, error) {
	l, err := m.view(ctx, guildID)
	if err != nil {
		return ledger.PairStats{}, err
	}

	return l.PairStats(a, b), nil
}

// MemberStats returns member's statistics in guildID.
func (m *Manager) MemberStats(ctx context.Context, guildID, member string) (ledger.MemberStats, error) {
	l, err := m.view(ctx, guildID)
	if err != nil {
		return ledger.MemberStats{}, err
	}

	return l.MemberStats(member), nil
}

// Guilds returns the ids of every loaded guild.
func (m *Manager) Guilds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.guilds))
	for id := range m.guilds {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// LoadAll loads every guild the store holds a snapshot for.
func (m *Manager) LoadAll(ctx context.Context) error {
	ids, err := m.store.List(ctx, store.KindTracker)
	if err != nil {
		return fmt.Errorf("failed to list guilds: %w", err)
	}

	var result *multierror.Error

	for _, id := range ids {
		if _, err := m.Guild(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// Export returns the aggregates table of every loaded guild.
func (m *Manager) Export() map[string]ledger.Stats {
	m.mu.Lock()
	guilds := make([]*Guild, 0, len(m.guilds))
	for _, g := range m.guilds {
		guilds = append(guilds, g)
	}
	m.mu.Unlock()

	out := make(map[string]ledger.Stats, len(guilds))
	for _, g := range guilds {
		out[g.ID()] = g.Stats()
	}

	return out
}

// Flush persists every guild with unsaved changes.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	guilds := make([]*Guild, 0, len(m.guilds))
	for _, g := range m.guilds {
		guilds = append(guilds, g)
	}
	m.mu.Unlock()

	var result *multierror.Error

	for _, g := range guilds {
		if err := g.Flush(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// Close stops every countdown. Pending changes are not flushed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	for _, g := range m.guilds {
		g.close()
	}
}
