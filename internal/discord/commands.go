package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

const trackingCommand = "tracking"

var commands = []*discordgo.ApplicationCommand{
	{
		Name:        trackingCommand,
		Description: "Turn voice statistics tracking on or off for yourself",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        "enabled",
				Description: "Whether your voice activity is tracked",
				Required:    true,
			},
		},
	},
}

func (s *service) onInteractionCreate(sess *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	data := i.ApplicationCommandData()
	if data.Name != trackingCommand {
		return
	}

	content := s.handleTracking(i.Interaction, data)

	err := sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		s.log.WithError(err).Warn("Failed to respond to interaction")
	}
}

// handleTracking applies a /tracking invocation and returns the reply.
func (s *service) handleTracking(i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) string {
	if i.GuildID == "" || i.Member == nil || i.Member.User == nil {
		return "This command only works inside a server."
	}

	enabled := true

	for _, opt := range data.Options {
		if opt.Name == "enabled" {
			enabled = opt.BoolValue()
		}
	}

	if err := s.prefs.SetOptOut(s.ctx, i.GuildID, i.Member.User.ID, !enabled); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"guild":  i.GuildID,
			"member": i.Member.User.ID,
		}).Error("Failed to update tracking preference")

		return "Could not save your preference, try again later."
	}

	if enabled {
		return "Tracking is now enabled for you."
	}

	return "Tracking is now disabled for you. Open sessions were dropped."
}
