// Package teamspeak provides a TeamSpeak ServerQuery presence source.
package teamspeak

import "strconv"

// State represents the current state of the TeamSpeak server.
type State struct {
	ServerID   int
	ServerName string
	Channels   []Channel
	TotalUsers int
}

// Channel represents a TeamSpeak channel with its users.
type Channel struct {
	ID    int
	Name  string
	Users []User
}

// User represents a connected TeamSpeak client.
type User struct {
	ID         int
	DatabaseID int // Stable across reconnects, unlike ID
	Nickname   string
	ChannelID  int
}

// GuildID is the tracker guild a virtual server maps to.
func GuildID(serverID int) string {
	return "ts3-" + strconv.Itoa(serverID)
}

// Presence maps each user's database id to their channel id.
func (s *State) Presence() map[string]string {
	out := make(map[string]string, s.TotalUsers)

	for _, ch := range s.Channels {
		for _, u := range ch.Users {
			out[strconv.Itoa(u.DatabaseID)] = strconv.Itoa(ch.ID)
		}
	}

	return out
}
