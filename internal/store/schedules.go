package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"duraflow/internal/domain"
)

const scheduleSelect = `
SELECT id,name,cron_expr,workflow_name,input,timeout_seconds,enabled,last_run,next_run,created_at,updated_at
FROM schedules`

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var s domain.Schedule
	var input string
	var timeoutSeconds float64
	var lastRun sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.WorkflowName, &input, &timeoutSeconds,
		&s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(input), &s.Input); err != nil {
		return domain.Schedule{}, fmt.Errorf("decode input: %w", err)
	}
	s.Timeout = time.Duration(timeoutSeconds * float64(time.Second))
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRun = &t
	}
	return s, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sch domain.Schedule) (string, error) {
	id := sch.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	inputJSON, err := json.Marshal(sch.Input)
	if err != nil {
		return "", domain.Errorf(domain.ErrSerialization, "schedule input: %v", err)
	}
	ts := now()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,workflow_name,input,timeout_seconds,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		id, sch.Name, sch.CronExpr, sch.WorkflowName, string(inputJSON),
		sch.Timeout.Seconds(), sch.Enabled, sch.LastRun, sch.NextRun.UTC(), ts, ts)
	return id, err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	return scanSchedule(s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id=?`, id))
}

func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var schedules []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	return err
}

func (s *Store) DueSchedules(ctx context.Context, at time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+`
 WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, at.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var schedules []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *Store) MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=?, updated_at=? WHERE id=?`,
		lastRun.UTC(), nextRun.UTC(), now(), id)
	return err
}
