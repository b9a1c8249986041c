// Package solitude detects members who stay alone in a voice channel for
// longer than a timeout.
package solitude

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout is how long a member may stay alone before being flagged.
const DefaultTimeout = 10 * time.Minute

// Marker records when a member's timer expired and where they were.
type Marker struct {
	Start     time.Time
	ChannelID string
}

// Detector owns one cancellable countdown per member and the resulting
// depression flags. It is safe for concurrent use.
type Detector struct {
	log      logrus.FieldLogger
	clock    quartz.Clock
	timeout  time.Duration
	onExpire func(memberID string)

	mu      sync.Mutex
	timers  map[string]*timer
	markers map[string]Marker
}

type timer struct {
	memberID  string
	channelID string
	deadline  time.Time
	handle    *quartz.Timer
	done      chan struct{}
	cancelled bool // guarded by Detector.mu
}

// New creates a detector. onExpire, if set, is called from the timer goroutine
// after a flag is raised and must not block.
func New(log logrus.FieldLogger, clock quartz.Clock, timeout time.Duration, onExpire func(memberID string)) *Detector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Detector{
		log:      log.WithField("component", "solitude"),
		clock:    clock,
		timeout:  timeout,
		onExpire: onExpire,
		timers:   make(map[string]*timer),
		markers:  make(map[string]Marker),
	}
}

// Timeout returns the configured countdown.
func (d *Detector) Timeout() time.Duration {
	return d.timeout
}

// Start schedules a countdown for memberID. It is a no-op returning false when
// the member already has one, fired or not, until Cancel clears it.
func (d *Detector) Start(memberID, channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.timers[memberID]; ok {
		return false
	}

	t := &timer{
		memberID:  memberID,
		channelID: channelID,
		deadline:  d.clock.Now().Add(d.timeout),
		done:      make(chan struct{}),
	}
	d.timers[memberID] = t
	t.handle = d.clock.AfterFunc(d.timeout, func() { d.expire(t) }, "solitude", memberID)

	d.log.WithFields(logrus.Fields{
		"member":  memberID,
		"channel": channelID,
		"timeout": d.timeout,
	}).Debug("Started solitude timer")

	return true
}

// Cancel stops memberID's countdown and waits until its goroutine, if it has
// started, has returned. A countdown cancelled here never raises the flag.
func (d *Detector) Cancel(memberID string) bool {
	d.mu.Lock()

	t, ok := d.timers[memberID]
	if ok {
		delete(d.timers, memberID)
		t.cancelled = true
	}

	d.mu.Unlock()

	if !ok {
		return false
	}

	if t.handle.Stop("solitude", memberID) {
		return true
	}

	<-t.done

	return true
}

func (d *Detector) expire(t *timer) {
	defer close(t.done)

	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{
				"member": t.memberID,
				"panic":  r,
			}).Error("Solitude timer failed")

			d.mu.Lock()
			delete(d.markers, t.memberID)
			d.mu.Unlock()
		}
	}()

	d.mu.Lock()

	if t.cancelled {
		d.mu.Unlock()
		return
	}

	marker := Marker{Start: t.deadline, ChannelID: t.channelID}
	d.markers[t.memberID] = marker
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{
		"member":  t.memberID,
		"channel": marker.ChannelID,
	}).Info("Member has been alone past the timeout")

	if d.onExpire != nil {
		d.onExpire(t.memberID)
	}
}

// Running reports whether memberID holds a countdown, fired or pending.
func (d *Detector) Running(memberID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.timers[memberID]

	return ok
}

// Depressed reports whether memberID's countdown has expired and not yet been
// resolved.
func (d *Detector) Depressed(memberID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.markers[memberID]

	return ok
}

// Resolve clears memberID's flag and returns the marker it carried.
func (d *Detector) Resolve(memberID string) (Marker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.markers[memberID]
	if ok {
		delete(d.markers, memberID)
	}

	return m, ok
}

// Markers returns a copy of every raised flag.
func (d *Detector) Markers() map[string]Marker {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]Marker, len(d.markers))
	for id, m := range d.markers {
		out[id] = m
	}

	return out
}

// Relocate records that memberID is now alone in channelID without touching
// the countdown or the marker's start.
func (d *Detector) Relocate(memberID, channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[memberID]; ok {
		t.channelID = channelID
	}

	if m, ok := d.markers[memberID]; ok {
		m.ChannelID = channelID
		d.markers[memberID] = m
	}
}

// Close cancels every pending countdown.
func (d *Detector) Close() {
	d.mu.Lock()

	ids := make([]string, 0, len(d.timers))
	for id := range d.timers {
		ids = append(ids, id)
	}

	d.mu.Unlock()

	for _, id := range ids {
		d.Cancel(id)
	}
}
