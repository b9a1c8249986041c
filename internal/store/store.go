// Package store persists opaque per-guild snapshot documents.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Kind names a document type stored for a guild.
type Kind string

// KindTracker is the full presence tracker snapshot of a guild.
const KindTracker Kind = "tracker"

// Drivers understood by New.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// ErrInvalidKey is returned for guild ids or kinds that cannot be stored.
var ErrInvalidKey = errors.New("invalid snapshot key")

// Store loads and saves snapshot documents keyed by (guildID, kind).
type Store interface {
	// Load returns the stored document, or nil with no error when absent.
	Load(ctx context.Context, guildID string, kind Kind) ([]byte, error)
	// Save atomically replaces the stored document.
	Save(ctx context.Context, guildID string, kind Kind, data []byte) error
	// List returns the guild ids that have a document of the given kind.
	List(ctx context.Context, kind Kind) ([]string, error)
	Close() error
}

// Config selects and configures a Store implementation.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// New creates the Store selected by cfg.Driver.
func New(ctx context.Context, log logrus.FieldLogger, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverFile, "":
		return NewFileStore(log, cfg.Path)
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}

		return NewSQLStore(ctx, log, DriverSQLite, dsn)
	case DriverPostgres:
		return NewSQLStore(ctx, log, DriverPostgres, cfg.DSN)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func validateKey(guildID string, kind Kind) error {
	for _, part := range []string{guildID, string(kind)} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return fmt.Errorf("%w: %q/%q", ErrInvalidKey, guildID, kind)
		}
	}

	return nil
}
