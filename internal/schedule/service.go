// Package schedule starts workflows on cron cadences.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"duraflow/internal/domain"
	"duraflow/internal/engine"
	"duraflow/internal/store"
)

type Service struct {
	store    *store.Store
	eng      *engine.Engine
	stop     chan struct{}
	interval time.Duration
}

func NewService(st *store.Store, eng *engine.Engine, checkInterval time.Duration) *Service {
	return &Service{
		store:    st,
		eng:      eng,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.ProcessDue(ctx, now.UTC())
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// ProcessDue starts a workflow execution for every schedule whose
// next_run has passed and advances its cron cursor.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) {
	schedules, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	execID, err := s.eng.StartWorkflow(ctx, schedule.WorkflowName, schedule.Input, schedule.Timeout)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to start scheduled workflow")
		return err
	}

	nextRun := cronSchedule.Next(now)

	if err := s.store.MarkScheduleRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("execution_id", execID).
		Time("next_run", nextRun).
		Msg("scheduled workflow started")

	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
