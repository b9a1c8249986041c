// Package ledger holds the per-guild statistics tables: member aggregates and
// pairwise stats in one table, open solo periods and shared sessions in another.
package ledger

import (
	"sync"
	"time"
)

// PairStat is the directed (owner, other) entry of the aggregates table.
type PairStat struct {
	CallsStartedByOther int     `json:"calls_started_by_other"`
	TotalSharedSeconds  float64 `json:"total_shared_seconds"`
}

// MemberRecord holds a member's aggregates and preferences.
type MemberRecord struct {
	OptOut             bool                 `json:"opt_out,omitempty"`
	TotalSoloSeconds   float64              `json:"total_solo_seconds"`
	DepressiveAttempts int                  `json:"depressive_attempts"`
	DepressiveSeconds  float64              `json:"depressive_seconds"`
	Partners           map[string]*PairStat `json:"partners,omitempty"`
}

// Stats is the aggregates table.
type Stats struct {
	Members map[string]*MemberRecord `json:"members"`
}

// Interval is one shared session between two members. End is nil while open.
type Interval struct {
	Start Timestamp  `json:"start"`
	End   *Timestamp `json:"end"`
}

// SoloPeriod is an open stretch during which a member was alone in a channel.
type SoloPeriod struct {
	Start     Timestamp `json:"start"`
	ChannelID string    `json:"channel_id,omitempty"`
}

// Marker records when a member's solitude timer expired.
type Marker struct {
	Start     Timestamp `json:"start"`
	ChannelID string    `json:"channel_id,omitempty"`
}

// Markers is the table of open, not yet consolidated state.
type Markers struct {
	Solo       map[string]*SoloPeriod            `json:"solo"`
	Sessions   map[string]map[string][]Interval `json:"sessions"`
	Depressive map[string]*Marker                `json:"depressive,omitempty"`
}

// Snapshot is the full persisted state of one guild. SavedAt is the last
// moment the open markers were known to hold.
type Snapshot struct {
	Stats   Stats     `json:"stats"`
	Markers Markers   `json:"markers"`
	SavedAt Timestamp `json:"saved_at"`
}

// Ledger is the in-memory authoritative store of a guild's statistics. It is
// safe for concurrent use; callers serialise mutations per guild.
type Ledger struct {
	mu       sync.RWMutex
	members  map[string]*MemberRecord
	solo     map[string]*SoloPeriod
	sessions map[string]map[string][]Interval
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		members:  make(map[string]*MemberRecord),
		solo:     make(map[string]*SoloPeriod),
		sessions: make(map[string]map[string][]Interval),
	}
}

// FromSnapshot builds a ledger from persisted state. Depressive markers are not
// owned by the ledger and are ignored here.
func FromSnapshot(snap Snapshot) *Ledger {
	l := New()

	for id, rec := range snap.Stats.Members {
		if rec == nil {
			continue
		}

		cp := *rec
		cp.Partners = make(map[string]*PairStat, len(rec.Partners))

		for other, ps := range rec.Partners {
			if ps == nil || other == id {
				continue
			}

			p := *ps
			cp.Partners[other] = &p
		}

		l.members[id] = &cp
	}

	for id, sp := range snap.Markers.Solo {
		if sp == nil {
			continue
		}

		p := *sp
		l.solo[id] = &p
	}

	for owner, others := range snap.Markers.Sessions {
		for other, intervals := range others {
			if owner == other || len(intervals) == 0 {
				continue
			}

			l.sessionsFor(owner)[other] = cloneIntervals(intervals)
		}
	}

	return l
}

// Snapshot returns a deep copy of the ledger's tables.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := Snapshot{
		Stats: Stats{Members: make(map[string]*MemberRecord, len(l.members))},
		Markers: Markers{
			Solo:     make(map[string]*SoloPeriod, len(l.solo)),
			Sessions: make(map[string]map[string][]Interval, len(l.sessions)),
		},
	}

	for id, rec := range l.members {
		cp := *rec
		cp.Partners = make(map[string]*PairStat, len(rec.Partners))

		for other, ps := range rec.Partners {
			p := *ps
			cp.Partners[other] = &p
		}

		snap.Stats.Members[id] = &cp
	}

	for id, sp := range l.solo {
		p := *sp
		snap.Markers.Solo[id] = &p
	}

	for owner, others := range l.sessions {
		if len(others) == 0 {
			continue
		}

		m := make(map[string][]Interval, len(others))
		for other, intervals := range others {
			m[other] = cloneIntervals(intervals)
		}

		snap.Markers.Sessions[owner] = m
	}

	return snap
}

// RecordCallStart credits initiator with joining incumbent. The counter lives
// on the incumbent-keyed entry.
func (l *Ledger) RecordCallStart(initiator, incumbent string) {
	if initiator == incumbent {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pairLocked(incumbent, initiator).CallsStartedByOther++

	// Keep the reverse entry in step so both directions exist from the first call.
	l.pairLocked(initiator, incumbent)
}

// OpenSession opens a shared interval between a and b in both directions.
func (l *Ledger) OpenSession(a, b string, t time.Time) {
	if a == b {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.openSessionLocked(a, b, t)
	l.openSessionLocked(b, a, t)
}

// openSessionLocked appends a fresh interval. A trailing interval that is still
// open is stale and replaced rather than extended.
func (l *Ledger) openSessionLocked(owner, other string, t time.Time) {
	m := l.sessionsFor(owner)
	intervals := m[other]

	if n := len(intervals); n > 0 && intervals[n-1].End == nil {
		intervals = intervals[:n-1]
	}

	m[other] = append(intervals, Interval{Start: At(t)})
}

// CloseSession closes the most recent open interval between a and b.
func (l *Ledger) CloseSession(a, b string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closeSessionLocked(a, b, t)
	l.closeSessionLocked(b, a, t)
}

func (l *Ledger) closeSessionLocked(owner, other string, t time.Time) {
	intervals := l.sessions[owner][other]
	if len(intervals) == 0 {
		return
	}

	last := &intervals[len(intervals)-1]
	if last.End != nil {
		return
	}

	end := At(t)
	last.End = &end
}

// HasOpenSession reports whether a and b currently share an open interval.
func (l *Ledger) HasOpenSession(a, b string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	intervals := l.sessions[a][b]

	return len(intervals) > 0 && intervals[len(intervals)-1].End == nil
}

// Consolidate folds every closed interval between a and b into
// TotalSharedSeconds, writing the same total into both directions, and drops
// the consumed intervals. Open intervals are kept. It returns the seconds
// added; with nothing closed it changes nothing.
func (l *Ledger) Consolidate(a, b string) float64 {
	if a == b {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.consolidateLocked(a, b)
}

func (l *Ledger) consolidateLocked(a, b string) float64 {
	var (
		added    float64
		consumed bool
	)

	kept := l.sessions[a][b][:0:0]

	for _, iv := range l.sessions[a][b] {
		if iv.End == nil {
			kept = append(kept, iv)
			continue
		}

		consumed = true
		added += elapsedSeconds(iv.Start, *iv.End)
	}

	if !consumed {
		return 0
	}

	l.setSessionsLocked(a, b, kept)
	l.setSessionsLocked(b, a, openOnly(l.sessions[b][a]))

	if added == 0 {
		return 0
	}

	ab := l.pairLocked(a, b)
	ba := l.pairLocked(b, a)

	total := ab.TotalSharedSeconds
	if ba.TotalSharedSeconds > total {
		total = ba.TotalSharedSeconds
	}

	total += added
	ab.TotalSharedSeconds = total
	ba.TotalSharedSeconds = total

	return added
}

// OpenSolo opens a solo period for member unless one is already open.
func (l *Ledger) OpenSolo(member, channelID string, t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.solo[member]; ok {
		return false
	}

	l.solo[member] = &SoloPeriod{Start: At(t), ChannelID: channelID}

	return true
}

// SoloPeriod returns member's open solo period, if any.
func (l *Ledger) SoloPeriod(member string) (SoloPeriod, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sp, ok := l.solo[member]
	if !ok {
		return SoloPeriod{}, false
	}

	return *sp, true
}

// CloseSolo consolidates member's open solo period into TotalSoloSeconds and
// clears it, returning the seconds added. A period with a corrupt start is
// dropped without touching the aggregate.
func (l *Ledger) CloseSolo(member string, t time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	sp, ok := l.solo[member]
	if !ok {
		return 0
	}

	delete(l.solo, member)

	elapsed := elapsedSeconds(sp.Start, At(t))
	if elapsed == 0 {
		return 0
	}

	l.memberLocked(member).TotalSoloSeconds += elapsed

	return elapsed
}

// RelocateSolo moves member's open solo period to channelID, keeping its start.
func (l *Ledger) RelocateSolo(member, channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sp, ok := l.solo[member]; ok {
		sp.ChannelID = channelID
	}
}

// HasOpenState reports whether any shared session or solo period is open.
func (l *Ledger) HasOpenState() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.sessions) > 0 || len(l.solo) > 0
}

// Reconcile settles sessions and solo periods left open by a previous run.
// Each is closed at at, the last moment it was known to hold, and
// consolidated; with a zero at, or a start after it, it is dropped
// unaccounted. Solo periods of opted-out members are always dropped. It
// returns the number of open markers settled, each session direction counting
// once.
func (l *Ledger) Reconcile(at time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	settled := 0
	end := At(at)

	type pair struct{ a, b string }
	pairs := make(map[pair]struct{})

	for owner, others := range l.sessions {
		for other, intervals := range others {
			kept := intervals[:0:0]

			for _, iv := range intervals {
				if iv.End == nil {
					settled++

					if elapsedSeconds(iv.Start, end) == 0 {
						continue
					}

					e := end
					iv.End = &e
				}

				kept = append(kept, iv)
			}

			others[other] = kept

			if owner < other {
				pairs[pair{owner, other}] = struct{}{}
			} else {
				pairs[pair{other, owner}] = struct{}{}
			}
		}
	}

	for p := range pairs {
		// Either direction may be the one holding intervals.
		l.consolidateLocked(p.a, p.b)
		l.consolidateLocked(p.b, p.a)
	}

	l.sessions = make(map[string]map[string][]Interval)

	for member, sp := range l.solo {
		settled++
		delete(l.solo, member)

		rec, ok := l.members[member]
		if ok && rec.OptOut {
			continue
		}

		if elapsed := elapsedSeconds(sp.Start, end); elapsed > 0 {
			l.memberLocked(member).TotalSoloSeconds += elapsed
		}
	}

	return settled
}

// DiscardSolo clears member's open solo period without accounting it.
func (l *Ledger) DiscardSolo(member string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.solo, member)
}

// RecordDepressiveEpisode counts one resolved episode lasting seconds.
func (l *Ledger) RecordDepressiveEpisode(member string, seconds float64) {
	if seconds < 0 {
		seconds = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.memberLocked(member)
	rec.DepressiveAttempts++
	rec.DepressiveSeconds += seconds
}

func (l *Ledger) memberLocked(id string) *MemberRecord {
	rec, ok := l.members[id]
	if !ok {
		rec = &MemberRecord{}
		l.members[id] = rec
	}

	if rec.Partners == nil {
		rec.Partners = make(map[string]*PairStat)
	}

	return rec
}

func (l *Ledger) pairLocked(owner, other string) *PairStat {
	rec := l.memberLocked(owner)

	ps, ok := rec.Partners[other]
	if !ok {
		ps = &PairStat{}
		rec.Partners[other] = ps
	}

	return ps
}

func (l *Ledger) sessionsFor(owner string) map[string][]Interval {
	m, ok := l.sessions[owner]
	if !ok {
		m = make(map[string][]Interval)
		l.sessions[owner] = m
	}

	return m
}

func (l *Ledger) setSessionsLocked(owner, other string, intervals []Interval) {
	if len(intervals) > 0 {
		l.sessionsFor(owner)[other] = intervals
		return
	}

	m, ok := l.sessions[owner]
	if !ok {
		return
	}

	delete(m, other)

	if len(m) == 0 {
		delete(l.sessions, owner)
	}
}

func openOnly(intervals []Interval) []Interval {
	var out []Interval

	for _, iv := range intervals {
		if iv.End == nil {
			out = append(out, iv)
		}
	}

	return out
}

func cloneIntervals(in []Interval) []Interval {
	out := make([]Interval, len(in))

	for i, iv := range in {
		out[i] = Interval{Start: iv.Start}

		if iv.End != nil {
			end := *iv.End
			out[i].End = &end
		}
	}

	return out
}

// DiscardSessions drops every shared session involving member, in both
// directions, without accounting it.
func (l *Ledger) DiscardSessions(member string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for other := range l.sessions[member] {
		if back, ok := l.sessions[other]; ok {
			delete(back, member)

			if len(back) == 0 {
				delete(l.sessions, other)
			}
		}
	}

	delete(l.sessions, member)
}

// ReplaceStats swaps the aggregates table for stats, keeping open solo periods
// and shared sessions.
func (l *Ledger) ReplaceStats(stats Stats) {
	fresh := FromSnapshot(Snapshot{Stats: stats})

	l.mu.Lock()
	defer l.mu.Unlock()

	l.members = fresh.members
}
