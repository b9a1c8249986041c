package teamspeak

import (
	"context"
	"fmt"
	"sync"

	ts3 "github.com/multiplay/go-ts3"
	"github.com/sirupsen/logrus"
)

// Config holds TeamSpeak connection settings.
type Config struct {
	Host      string
	QueryPort int
	Username  string
	Password  string
	ServerID  int
}

// Service defines the TeamSpeak service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	GetState(ctx context.Context) (*State, error)
}

type service struct {
	log    logrus.FieldLogger
	cfg    Config
	client *ts3.Client
	mu     sync.Mutex
}

// NewService creates a new TeamSpeak service.
func NewService(log logrus.FieldLogger, cfg Config) Service {
	return &service{
		log: log.WithField("component", "teamspeak"),
		cfg: cfg,
	}
}

// Start connects to the TeamSpeak server.
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.QueryPort)
	s.log.WithField("address", addr).Info("Connecting to TeamSpeak server")

	client, err := ts3.NewClient(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to TeamSpeak: %w", err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password); err != nil {
		client.Close()
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	if err := client.Use(s.cfg.ServerID); err != nil {
		client.Close()
		return fmt.Errorf("failed to select virtual server %d: %w", s.cfg.ServerID, err)
	}

	s.client = client
	s.log.Info("Connected to TeamSpeak server")

	return nil
}

// Stop disconnects from the TeamSpeak server.
func (s *service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Close()
		s.client = nil
		s.log.Info("Disconnected from TeamSpeak server")
	}

	return nil
}

// GetState fetches who is in which channel.
func (s *service) GetState(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, fmt.Errorf("not connected to TeamSpeak server")
	}

	server, err := s.client.Server.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to get server info: %w", err)
	}

	channels, err := s.client.Server.ChannelList()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel list: %w", err)
	}

	clients, err := s.client.Server.ClientList()
	if err != nil {
		return nil, fmt.Errorf("failed to get client list: %w", err)
	}

	state := &State{
		ServerID:   s.cfg.ServerID,
		ServerName: server.Name,
		Channels:   make([]Channel, 0, len(channels)),
	}

	index := make(map[int]int, len(channels))

	for _, ch := range channels {
		index[ch.ID] = len(state.Channels)
		state.Channels = append(state.Channels, Channel{ID: ch.ID, Name: ch.ChannelName})
	}

	for _, cl := range clients {
		// Skip ServerQuery clients
		if cl.Type == 1 {
			continue
		}

		i, ok := index[cl.ChannelID]
		if !ok {
			continue
		}

		state.Channels[i].Users = append(state.Channels[i].Users, User{
			ID:         cl.ID,
			DatabaseID: cl.DatabaseID,
			Nickname:   cl.Nickname,
			ChannelID:  cl.ChannelID,
		})
		state.TotalUsers++
	}

	return state, nil
}
