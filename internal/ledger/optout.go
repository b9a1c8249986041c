package ledger

// Policy decides whether a member's activity may be accounted.
type Policy interface {
	TrackingEnabled(memberID string) bool
}

// TrackingEnabled reports whether memberID has tracking enabled. Members
// without a record are tracked.
func (l *Ledger) TrackingEnabled(memberID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.members[memberID]

	return !ok || !rec.OptOut
}

// SetOptOut stores memberID's tracking preference.
func (l *Ledger) SetOptOut(memberID string, optOut bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.memberLocked(memberID).OptOut = optOut
}

// BothTracked reports whether pairwise accounting between a and b is allowed.
func BothTracked(p Policy, a, b string) bool {
	return p.TrackingEnabled(a) && p.TrackingEnabled(b)
}
