// Package discord turns Discord voice state updates into presence events and
// serves the tracking preference command.
package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/samcm/jointracker/internal/tracker"
)

// Config holds Discord bot settings.
type Config struct {
	Token string
}

// Preferences stores members' tracking choices.
type Preferences interface {
	SetOptOut(ctx context.Context, guildID, memberID string, optOut bool) error
}

// Service defines the Discord service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	log     logrus.FieldLogger
	cfg     Config
	sink    tracker.Sink
	prefs   Preferences
	session *discordgo.Session
	ctx     context.Context
	remove  []func()
	mu      sync.Mutex
}

// NewService creates a new Discord service.
func NewService(log logrus.FieldLogger, cfg Config, sink tracker.Sink, prefs Preferences) Service {
	return &service{
		log:   log.WithField("component", "discord"),
		cfg:   cfg,
		sink:  sink,
		prefs: prefs,
		ctx:   context.Background(),
	}
}

// Start connects to the gateway and registers the slash commands.
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := discordgo.New("Bot " + s.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	// Voice updates for a guild must reach the tracker in gateway order.
	session.SyncEvents = true

	s.ctx = ctx
	s.remove = append(s.remove,
		session.AddHandler(s.onVoiceStateUpdate),
		session.AddHandler(s.onInteractionCreate),
	)

	if err := session.Open(); err != nil {
		s.removeHandlers()

		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	s.session = session
	s.log.WithField("user", session.State.User.Username).Info("Connected to Discord")

	if _, err := session.ApplicationCommandBulkOverwrite(session.State.User.ID, "", commands); err != nil {
		s.log.WithError(err).Warn("Failed to register slash commands")
	}

	return nil
}

// Stop disconnects from Discord.
func (s *service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeHandlers()

	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close Discord connection")
		}

		s.session = nil
		s.log.Info("Disconnected from Discord")
	}

	return nil
}

func (s *service) removeHandlers() {
	for _, fn := range s.remove {
		fn()
	}

	s.remove = nil
}

func (s *service) onVoiceStateUpdate(sess *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.VoiceState == nil {
		return
	}

	before := ""
	if vs.BeforeUpdate != nil {
		before = vs.BeforeUpdate.ChannelID
	}

	ev := presenceEvent(sess.State, vs.GuildID, vs.UserID, before, vs.ChannelID)
	if ev == nil {
		return
	}

	if err := tracker.Dispatch(s.ctx, s.sink, ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"guild":  vs.GuildID,
			"member": vs.UserID,
		}).Error("Failed to handle voice state update")
	}
}

// presenceEvent classifies a voice state change. The state must already
// reflect the update. Mute, deafen and similar changes yield nil.
func presenceEvent(state *discordgo.State, guildID, memberID, before, after string) any {
	switch {
	case before == after:
		return nil
	case before == "":
		return tracker.Joined{
			GuildID:   guildID,
			MemberID:  memberID,
			ChannelID: after,
			Occupants: occupants(state, guildID, after),
		}
	case after == "":
		return tracker.Left{
			GuildID:   guildID,
			MemberID:  memberID,
			ChannelID: before,
			Occupants: occupants(state, guildID, before),
		}
	default:
		return tracker.Moved{
			MemberID:      memberID,
			FromGuildID:   guildID,
			FromChannelID: before,
			FromOccupants: occupants(state, guildID, before),
			ToGuildID:     guildID,
			ToChannelID:   after,
			ToOccupants:   occupants(state, guildID, after),
		}
	}
}

// occupants lists the members the state places in channelID.
func occupants(state *discordgo.State, guildID, channelID string) []string {
	if state == nil {
		return nil
	}

	guild, err := state.Guild(guildID)
	if err != nil {
		return nil
	}

	state.RLock()
	defer state.RUnlock()

	var ids []string

	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID {
			ids = append(ids, vs.UserID)
		}
	}

	return ids
}
