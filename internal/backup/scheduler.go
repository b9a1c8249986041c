package backup

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/samcm/jointracker/internal/ledger"
)

// DefaultSchedule pushes once a day.
const DefaultSchedule = "@every 24h"

// Exporter supplies the aggregates to push.
type Exporter interface {
	Export() map[string]ledger.Stats
}

// Scheduler pushes every guild on a cron schedule.
type Scheduler struct {
	log      logrus.FieldLogger
	client   *Client
	source   Exporter
	schedule string
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewScheduler creates a scheduler pushing source through client.
func NewScheduler(log logrus.FieldLogger, client *Client, source Exporter, schedule string) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	return &Scheduler{
		log:      log.WithField("component", "backup_scheduler"),
		client:   client,
		source:   source,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start begins the schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("failed to parse backup schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("Backup scheduler started")

	return nil
}

// Stop ends the schedule, waits for a running push and then pushes once more.
func (s *Scheduler) Stop(ctx context.Context) error {
	<-s.cron.Stop().Done()

	if s.cancel != nil {
		s.cancel()
	}

	if err := s.RunOnce(ctx); err != nil {
		return fmt.Errorf("failed to push final backup: %w", err)
	}

	s.log.Info("Backup scheduler stopped")

	return nil
}

func (s *Scheduler) run() {
	if err := s.RunOnce(s.ctx); err != nil {
		s.log.WithError(err).Warn("Scheduled backup failed")
	}
}

// RunOnce pushes every guild now.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	all := s.source.Export()
	if len(all) == 0 {
		return nil
	}

	if err := s.client.PushAll(ctx, all); err != nil {
		return err
	}

	s.log.WithField("guilds", len(all)).Info("Backup pushed")

	return nil
}
