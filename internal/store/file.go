package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
)

type fileStore struct {
	log  logrus.FieldLogger
	root string
}

// NewFileStore stores documents as <root>/<guildID>/<kind>.json.
func NewFileStore(log logrus.FieldLogger, root string) (Store, error) {
	if root == "" {
		return nil, fmt.Errorf("file store requires a path")
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &fileStore{
		log:  log.WithField("component", "store"),
		root: root,
	}, nil
}

func (s *fileStore) path(guildID string, kind Kind) string {
	return filepath.Join(s.root, guildID, string(kind)+".json")
}

// Load reads a document from disk.
func (s *fileStore) Load(_ context.Context, guildID string, kind Kind) ([]byte, error) {
	if err := validateKey(guildID, kind); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(guildID, kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	return data, nil
}

// Save writes a document through a temporary file and rename.
func (s *fileStore) Save(_ context.Context, guildID string, kind Kind, data []byte) error {
	if err := validateKey(guildID, kind); err != nil {
		return err
	}

	path := s.path(guildID, kind)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create guild directory: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"guild": guildID,
		"kind":  kind,
		"bytes": len(data),
	}).Debug("Saved snapshot")

	return nil
}

// List scans the data directory for guilds holding a document of kind.
func (s *fileStore) List(_ context.Context, kind Kind) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	var guilds []string

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if _, err := os.Stat(s.path(entry.Name(), kind)); err == nil {
			guilds = append(guilds, entry.Name())
		}
	}

	sort.Strings(guilds)

	return guilds, nil
}

func (s *fileStore) Close() error {
	return nil
}
