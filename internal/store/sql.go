package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // sqlite driver
)

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS snapshots (
	guild_id   TEXT   NOT NULL,
	kind       TEXT   NOT NULL,
	data       TEXT   NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (guild_id, kind)
)`

const (
	loadSnapshot = `SELECT data FROM snapshots WHERE guild_id = ? AND kind = ?`
	saveSnapshot = `INSERT INTO snapshots (guild_id, kind, data, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (guild_id, kind) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	listSnapshots = `SELECT guild_id FROM snapshots WHERE kind = ? ORDER BY guild_id`
)

type sqlStore struct {
	log    logrus.FieldLogger
	db     *sql.DB
	driver string
}

// NewSQLStore opens a snapshot table on a sqlite or postgres database and
// creates it if needed.
func NewSQLStore(ctx context.Context, log logrus.FieldLogger, driver, dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s store requires a dsn", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// sqlite allows a single writer.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	if _, err := db.ExecContext(ctx, createSnapshotsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshots table: %w", err)
	}

	s := &sqlStore{
		log:    log.WithField("component", "store"),
		db:     db,
		driver: driver,
	}

	s.log.WithField("driver", driver).Info("Opened snapshot database")

	return s, nil
}

// rebind converts ? placeholders to the numbered form postgres expects.
func (s *sqlStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var (
		b strings.Builder
		n int
	)

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// Load selects a document.
func (s *sqlStore) Load(ctx context.Context, guildID string, kind Kind) ([]byte, error) {
	if err := validateKey(guildID, kind); err != nil {
		return nil, err
	}

	var data string

	err := s.db.QueryRowContext(ctx, s.rebind(loadSnapshot), guildID, string(kind)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	return []byte(data), nil
}

// Save upserts a document in a single statement.
func (s *sqlStore) Save(ctx context.Context, guildID string, kind Kind, data []byte) error {
	if err := validateKey(guildID, kind); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.rebind(saveSnapshot), guildID, string(kind), string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// List returns every guild with a document of kind.
func (s *sqlStore) List(ctx context.Context, kind Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(listSnapshots), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var guilds []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}

		guilds = append(guilds, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	return guilds, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
