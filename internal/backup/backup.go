// Package backup pushes guild statistics to a remote HTTP service and fetches
// them back on start.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/samcm/jointracker/internal/ledger"
)

const (
	apiKeyHeader = "x-api-key"

	// DefaultTimeout bounds a single HTTP request.
	DefaultTimeout = 30 * time.Second
	// DefaultRetryFor bounds the retries of one push or fetch.
	DefaultRetryFor = 2 * time.Minute

	pushConcurrency = 4
)

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("backup base url not configured")

// Config holds backup service settings.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	RetryFor time.Duration
}

// Client talks to the backup service.
type Client struct {
	log  logrus.FieldLogger
	cfg  Config
	http *http.Client
}

type pushRequest struct {
	GuildID string       `json:"guild_id"`
	Data    ledger.Stats `json:"data"`
}

// NewClient creates a backup client.
func NewClient(log logrus.FieldLogger, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.RetryFor <= 0 {
		cfg.RetryFor = DefaultRetryFor
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		log:  log.WithField("component", "backup"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Push uploads one guild's aggregates, retrying transient failures.
func (c *Client) Push(ctx context.Context, guildID string, stats ledger.Stats) error {
	if c.cfg.BaseURL == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(pushRequest{GuildID: guildID, Data: stats})
	if err != nil {
		return fmt.Errorf("failed to encode backup for guild %s: %w", guildID, err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/save-json", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}

		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		_, _ = io.Copy(io.Discard, resp.Body)

		return statusError(resp)
	}

	if err := backoff.Retry(op, backoff.WithContext(c.backoff(), ctx)); err != nil {
		return fmt.Errorf("failed to push backup for guild %s: %w", guildID, err)
	}

	c.log.WithField("guild", guildID).Info("Pushed backup")

	return nil
}

// PushAll uploads every guild concurrently.
func (c *Client) PushAll(ctx context.Context, all map[string]ledger.Stats) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(pushConcurrency)

	for guildID, stats := range all {
		g.Go(func() error {
			return c.Push(ctx, guildID, stats)
		})
	}

	return g.Wait()
}

// Fetch downloads a guild's aggregates. It returns nil when the service has
// no backup for the guild.
func (c *Client) Fetch(ctx context.Context, guildID string) (*ledger.Stats, error) {
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}

	var payload []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/stats/"+url.PathEscape(guildID), nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			payload = nil
			return nil
		}

		if err := statusError(resp); err != nil {
			return err
		}

		payload, err = io.ReadAll(resp.Body)

		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(c.backoff(), ctx)); err != nil {
		return nil, fmt.Errorf("failed to fetch backup for guild %s: %w", guildID, err)
	}

	if payload == nil {
		c.log.WithField("guild", guildID).Debug("No backup found")
		return nil, nil
	}

	stats, createdAt, err := decodeBackup(payload)
	if err != nil {
		return nil, fmt.Errorf("guild %s: %w", guildID, err)
	}

	if stats != nil {
		c.log.WithFields(logrus.Fields{
			"guild":      guildID,
			"created_at": createdAt,
		}).Info("Fetched backup")
	}

	return stats, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}
}

func (c *Client) backoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = c.cfg.RetryFor

	return eb
}

// statusError maps a response status to an error. Client errors other than
// 429 are not retried.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err := fmt.Errorf("unexpected status %d", resp.StatusCode)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}

	return err
}

// decodeBackup accepts either {"data": ..., "created_at": ...} or a bare
// stats document. A payload carrying an "error" field holds no data.
func decodeBackup(payload []byte) (*ledger.Stats, string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, "", fmt.Errorf("failed to decode backup: %w", err)
	}

	if _, ok := envelope["error"]; ok {
		return nil, "", nil
	}

	var createdAt string
	if raw, ok := envelope["created_at"]; ok {
		_ = json.Unmarshal(raw, &createdAt)
	}

	doc := payload
	if raw, ok := envelope["data"]; ok {
		doc = raw
	}

	var generic any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return nil, "", fmt.Errorf("failed to decode backup data: %w", err)
	}

	if generic == nil {
		return nil, createdAt, nil
	}

	clean, err := json.Marshal(SanitizeKeys(generic))
	if err != nil {
		return nil, "", fmt.Errorf("failed to re-encode backup data: %w", err)
	}

	var stats ledger.Stats
	if err := json.Unmarshal(clean, &stats); err != nil {
		return nil, "", fmt.Errorf("failed to decode backup stats: %w", err)
	}

	return &stats, createdAt, nil
}

// SanitizeKeys renames "null" object keys to "None" throughout v.
func SanitizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))

		for k, val := range t {
			if k == "null" {
				k = "None"
			}

			out[k] = SanitizeKeys(val)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SanitizeKeys(val)
		}

		return out
	default:
		return v
	}
}
