package schedule_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duraflow/internal/domain"
	"duraflow/internal/engine"
	"duraflow/internal/schedule"
	"duraflow/internal/store"
)

func TestProcessDueStartsWorkflowAndAdvancesCursor(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	reg := engine.NewRegistry()
	eng := engine.New(st, reg)
	svc := schedule.NewService(st, eng, time.Second)

	now := time.Now().UTC()
	id, err := st.CreateSchedule(ctx, domain.Schedule{
		Name:         "nightly",
		CronExpr:     "0 3 * * *",
		WorkflowName: "report",
		Input:        map[string]any{"day": "today"},
		Enabled:      true,
		NextRun:      now.Add(-time.Minute),
	})
	require.NoError(t, err)

	svc.ProcessDue(ctx, now)

	execs, err := st.FetchRunnable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "report", execs[0].WorkflowName)
	assert.Equal(t, map[string]any{"day": "today"}, execs[0].Input)

	sch, err := st.GetSchedule(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sch.LastRun)
	assert.True(t, sch.NextRun.After(now), "next_run advanced past now")

	// Not due again until the cron cursor passes.
	svc.ProcessDue(ctx, now)
	execs, err = st.FetchRunnable(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestDisabledSchedulesAreSkipped(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	_, err = st.CreateSchedule(ctx, domain.Schedule{
		Name:         "off",
		CronExpr:     "* * * * *",
		WorkflowName: "report",
		Enabled:      false,
		NextRun:      now.Add(-time.Minute),
	})
	require.NoError(t, err)

	due, err := st.DueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, schedule.ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, schedule.ValidateCronExpression("not a cron"))
}
