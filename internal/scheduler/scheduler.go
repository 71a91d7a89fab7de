// Package scheduler runs the daily maintenance of the game host: pruning
// acknowledged alerts and rotating log files.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lkrzak/mniam-headless/internal/config"
	"github.com/lkrzak/mniam-headless/internal/util"
)

// AlertStore removes acknowledged alerts older than a given age.
type AlertStore interface {
	CleanOldAlerts(maxAge time.Duration) (int64, error)
}

// Scheduler manages the daily maintenance run.
type Scheduler struct {
	cfg    *config.Config
	alerts AlertStore
}

// NewScheduler creates a new task scheduler. alerts may be nil.
func NewScheduler(cfg *config.Config, alerts AlertStore) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		alerts: alerts,
	}
}

// Start runs maintenance at the configured time every day until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.GetApplicationData().Maintenance.Enabled {
		log.Info().Msg("maintenance disabled")
		return
	}
	log.Info().Msg("scheduler started")

	for {
		nextRun := s.nextRunTime(time.Now())
		log.Info().
			Time("next_run", nextRun).
			Msg("maintenance scheduled")

		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-time.After(time.Until(nextRun)):
			s.RunMaintenance()
		}
	}
}

// RunMaintenance removes old acknowledged alerts and surplus log files.
func (s *Scheduler) RunMaintenance() {
	appData := s.cfg.GetApplicationData()

	var removedAlerts int64
	if s.alerts != nil {
		retention := time.Duration(appData.Maintenance.AlertRetentionDays) * 24 * time.Hour
		n, err := s.alerts.CleanOldAlerts(retention)
		if err != nil {
			log.Warn().Err(err).Msg("alert cleanup failed")
		}
		removedAlerts = n
	}

	removedLogs := util.CleanOldLogs(appData.Logging.Directory, appData.Logging.MaxBackups)

	log.Info().
		Int64("removed_alerts", removedAlerts).
		Int("removed_logs", removedLogs).
		Msg("maintenance completed")
}

// nextRunTime returns the first occurrence of the configured HH:MM after now.
func (s *Scheduler) nextRunTime(now time.Time) time.Time {
	hour, minute := 4, 0 // Default: 4:00 AM
	fmt.Sscanf(s.cfg.GetApplicationData().Maintenance.Time, "%d:%d", &hour, &minute)

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
