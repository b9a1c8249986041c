package tracker

import (
	"context"
	"fmt"
)

// Joined reports that MemberID entered ChannelID. Occupants is the channel's
// member list right after the join.
type Joined struct {
	GuildID   string
	MemberID  string
	ChannelID string
	Occupants []string
}

// Left reports that MemberID left ChannelID. Occupants is the channel's
// member list at event time; the leaver is ignored if present.
type Left struct {
	GuildID   string
	MemberID  string
	ChannelID string
	Occupants []string
}

// Moved reports that MemberID switched channels in one step.
type Moved struct {
	MemberID      string
	FromGuildID   string
	FromChannelID string
	FromOccupants []string
	ToGuildID     string
	ToChannelID   string
	ToOccupants   []string
}

// CrossGuild reports whether the move spans two guilds.
func (m Moved) CrossGuild() bool {
	return m.FromGuildID != m.ToGuildID
}

// Sink consumes presence events. Events for one guild must be delivered in
// order and one at a time.
type Sink interface {
	Join(ctx context.Context, ev Joined) error
	Leave(ctx context.Context, ev Left) error
	Move(ctx context.Context, ev Moved) error
}

// peersOf returns occupants without member, empty ids or duplicates.
func peersOf(member string, occupants []string) []string {
	seen := make(map[string]struct{}, len(occupants))
	peers := make([]string, 0, len(occupants))

	for _, id := range occupants {
		if id == "" || id == member {
			continue
		}

		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		peers = append(peers, id)
	}

	return peers
}

// Dispatch hands a Joined, Left or Moved value to the matching Sink method.
func Dispatch(ctx context.Context, sink Sink, ev any) error {
	switch e := ev.(type) {
	case Joined:
		return sink.Join(ctx, e)
	case Left:
		return sink.Leave(ctx, e)
	case Moved:
		return sink.Move(ctx, e)
	default:
		return fmt.Errorf("unknown presence event %T", ev)
	}
}
