package teamspeak

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/samcm/jointracker/internal/tracker"
)

// DefaultPollInterval is how often the watcher samples the server.
const DefaultPollInterval = 5 * time.Second

// Watcher polls a TeamSpeak server and reports presence changes between
// samples. The first sample only sets the baseline.
type Watcher struct {
	log      logrus.FieldLogger
	ts       Service
	sink     tracker.Sink
	clock    quartz.Clock
	interval time.Duration

	mu       sync.Mutex
	presence map[string]string
	primed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher for ts reporting to sink.
func NewWatcher(log logrus.FieldLogger, ts Service, sink tracker.Sink, clock quartz.Clock, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Watcher{
		log:      log.WithField("component", "teamspeak_watcher"),
		ts:       ts,
		sink:     sink,
		clock:    clock,
		interval: interval,
		presence: make(map[string]string),
		done:     make(chan struct{}),
	}
}

// Start connects to the server, takes the baseline sample and begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.ts.Start(ctx); err != nil {
		return fmt.Errorf("failed to start TeamSpeak service: %w", err)
	}

	if err := w.Poll(ctx); err != nil {
		w.log.WithError(err).Warn("Initial poll failed")
	}

	w.wg.Add(1)

	go w.loop(ctx)

	w.log.WithField("interval", w.interval).Info("TeamSpeak watcher started")

	return nil
}

// Stop ends polling and disconnects.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()

	if err := w.ts.Stop(); err != nil {
		w.log.WithError(err).Warn("Failed to stop TeamSpeak service")
	}

	w.log.Info("TeamSpeak watcher stopped")

	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.interval, "teamspeak", "poll")
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.log.WithError(err).Warn("Poll failed")
			}
		}
	}
}

// Poll samples the server once and reports what changed since the last
// sample.
func (w *Watcher) Poll(ctx context.Context) error {
	state, err := w.ts.GetState(ctx)
	if err != nil {
		return fmt.Errorf("failed to get TeamSpeak state: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	next := state.Presence()

	if !w.primed {
		w.presence = next
		w.primed = true

		w.log.WithField("users", len(next)).Debug("Took baseline TeamSpeak sample")

		return nil
	}

	events := diff(GuildID(state.ServerID), w.presence, next)
	w.presence = next

	var result *multierror.Error

	for _, ev := range events {
		if err := tracker.Dispatch(ctx, w.sink, ev); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// diff turns two samples into presence events: leaves first, then moves,
// then joins. Each event's occupants reflect the changes applied before it.
func diff(guildID string, prev, next map[string]string) []any {
	view := make(map[string]string, len(prev))
	for id, ch := range prev {
		view[id] = ch
	}

	var leaves, moves, joins []string

	for id, ch := range prev {
		switch to, ok := next[id]; {
		case !ok:
			leaves = append(leaves, id)
		case to != ch:
			moves = append(moves, id)
		}
	}

	for id := range next {
		if _, ok := prev[id]; !ok {
			joins = append(joins, id)
		}
	}

	sort.Strings(leaves)
	sort.Strings(moves)
	sort.Strings(joins)

	events := make([]any, 0, len(leaves)+len(moves)+len(joins))

	for _, id := range leaves {
		ch := view[id]
		delete(view, id)

		events = append(events, tracker.Left{
			GuildID:   guildID,
			MemberID:  id,
			ChannelID: ch,
			Occupants: occupantsOf(view, ch),
		})
	}

	for _, id := range moves {
		from, to := view[id], next[id]
		delete(view, id)
		fromOccupants := occupantsOf(view, from)
		view[id] = to

		events = append(events, tracker.Moved{
			MemberID:      id,
			FromGuildID:   guildID,
			FromChannelID: from,
			FromOccupants: fromOccupants,
			ToGuildID:     guildID,
			ToChannelID:   to,
			ToOccupants:   occupantsOf(view, to),
		})
	}

	for _, id := range joins {
		ch := next[id]
		view[id] = ch

		events = append(events, tracker.Joined{
			GuildID:   guildID,
			MemberID:  id,
			ChannelID: ch,
			Occupants: occupantsOf(view, ch),
		})
	}

	return events
}

func occupantsOf(view map[string]string, channelID string) []string {
	var ids []string

	for id, ch := range view {
		if ch == channelID {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}
