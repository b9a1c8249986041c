package ledger

import "sort"

// PairStats is the read view of the relationship between A and B.
type PairStats struct {
	MemberA            string  `json:"member_a"`
	MemberB            string  `json:"member_b"`
	CallsAtoB          int     `json:"calls_a_to_b"`
	CallsBtoA          int     `json:"calls_b_to_a"`
	TotalSharedSeconds float64 `json:"total_shared_seconds"`
}

// TotalCalls is the number of calls started by either side.
func (p PairStats) TotalCalls() int {
	return p.CallsAtoB + p.CallsBtoA
}

// PartnerStats is one row of a member's per-partner breakdown.
type PartnerStats struct {
	PartnerID          string  `json:"partner_id"`
	CallsIn            int     `json:"calls_in"`
	CallsOut           int     `json:"calls_out"`
	TotalSharedSeconds float64 `json:"total_shared_seconds"`
}

// MemberStats is the read view of one member.
type MemberStats struct {
	MemberID           string         `json:"member_id"`
	OptOut             bool           `json:"opt_out"`
	Partners           []PartnerStats `json:"partners"`
	TotalSoloSeconds   float64        `json:"total_solo_seconds"`
	DepressiveAttempts int            `json:"depressive_attempts"`
	DepressiveSeconds  float64        `json:"depressive_seconds"`
}

// PairStats returns the stats between a and b. CallsAtoB counts the times a
// joined b.
func (l *Ledger) PairStats(a, b string) PairStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.pairStatsLocked(a, b)
}

func (l *Ledger) pairStatsLocked(a, b string) PairStats {
	out := PairStats{MemberA: a, MemberB: b}

	if a == b {
		return out
	}

	ab := l.lookupLocked(a, b)
	ba := l.lookupLocked(b, a)

	if ba != nil {
		out.CallsAtoB = ba.CallsStartedByOther
	}

	if ab != nil {
		out.CallsBtoA = ab.CallsStartedByOther
		out.TotalSharedSeconds = ab.TotalSharedSeconds
	}

	if ba != nil && ba.TotalSharedSeconds > out.TotalSharedSeconds {
		out.TotalSharedSeconds = ba.TotalSharedSeconds
	}

	return out
}

// MemberStats returns member's aggregates and every partner they have
// interacted with, ordered by shared time.
func (l *Ledger) MemberStats(member string) MemberStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := MemberStats{MemberID: member, Partners: []PartnerStats{}}

	partners := make(map[string]struct{})

	if rec, ok := l.members[member]; ok {
		out.OptOut = rec.OptOut
		out.TotalSoloSeconds = rec.TotalSoloSeconds
		out.DepressiveAttempts = rec.DepressiveAttempts
		out.DepressiveSeconds = rec.DepressiveSeconds

		for other := range rec.Partners {
			partners[other] = struct{}{}
		}
	}

	for id, rec := range l.members {
		if _, ok := rec.Partners[member]; ok && id != member {
			partners[id] = struct{}{}
		}
	}

	for other := range partners {
		ps := l.pairStatsLocked(member, other)
		out.Partners = append(out.Partners, PartnerStats{
			PartnerID:          other,
			CallsIn:            ps.CallsBtoA,
			CallsOut:           ps.CallsAtoB,
			TotalSharedSeconds: ps.TotalSharedSeconds,
		})
	}

	sort.Slice(out.Partners, func(i, j int) bool {
		if out.Partners[i].TotalSharedSeconds != out.Partners[j].TotalSharedSeconds {
			return out.Partners[i].TotalSharedSeconds > out.Partners[j].TotalSharedSeconds
		}

		return out.Partners[i].PartnerID < out.Partners[j].PartnerID
	})

	return out
}

// Members returns the ids of every member with a record.
func (l *Ledger) Members() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.members))
	for id := range l.members {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func (l *Ledger) lookupLocked(owner, other string) *PairStat {
	rec, ok := l.members[owner]
	if !ok {
		return nil
	}

	return rec.Partners[other]
}
