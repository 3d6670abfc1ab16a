package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ended(start time.Time, d time.Duration) *time.Time {
	t := start.Add(d)
	return &t
}

func TestParseTimeFrame(t *testing.T) {
	tf, err := ParseTimeFrame(" weekly ")
	require.NoError(t, err)
	assert.Equal(t, TimeFrameWeekly, tf)

	_, err = ParseTimeFrame("YEARLY")
	assert.ErrorContains(t, err, "unknown time frame")
}

func TestBuildReport(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	execs := []Execution{
		{ID: "1", WorkflowID: "wf-a", Status: StatusCompleted, Effectiveness: 1, StartedAt: now.Add(-2 * time.Hour), EndedAt: ended(now.Add(-2*time.Hour), 10*time.Minute)},
		{ID: "2", WorkflowID: "wf-a", Status: StatusFailed, Effectiveness: 0.5, StartedAt: now.Add(-time.Hour), EndedAt: ended(now.Add(-time.Hour), 30*time.Minute)},
		{ID: "3", WorkflowID: "wf-b", Status: StatusInProgress, StartedAt: now.Add(-time.Minute)},
		{ID: "4", WorkflowID: "wf-b", Status: StatusCompleted, Effectiveness: 1, StartedAt: now.Add(-48 * time.Hour)},
	}

	rep, err := BuildReport(TimeFrameDaily, execs, now)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TotalExecutions)
	assert.Equal(t, map[ExecutionStatus]int{StatusCompleted: 1, StatusFailed: 1, StatusInProgress: 1}, rep.ByStatus)
	assert.Equal(t, 20*time.Minute, rep.AverageDuration)
	require.Len(t, rep.Usage, 2)
	assert.Equal(t, WorkflowUsage{WorkflowID: "wf-a", Executions: 2, Effectiveness: 0.75}, rep.Usage[0])
	assert.Equal(t, "wf-b", rep.Usage[1].WorkflowID)
	assert.Equal(t, now.Add(-24*time.Hour), rep.From)

	weekly, err := BuildReport(TimeFrameWeekly, execs, now)
	require.NoError(t, err)
	assert.Equal(t, 4, weekly.TotalExecutions)

	_, err = BuildReport("HOURLY", execs, now)
	assert.Error(t, err)
}

func TestBuildReportEffectivenessIgnoresRunningExecutions(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	execs := []Execution{
		{ID: "done", WorkflowID: "wf-a", Status: StatusCompleted, Effectiveness: 1, StartedAt: now.Add(-time.Hour), EndedAt: ended(now.Add(-time.Hour), time.Minute)},
		{ID: "live", WorkflowID: "wf-a", Status: StatusInProgress, StartedAt: now.Add(-time.Minute)},
		{ID: "held", WorkflowID: "wf-b", Status: StatusPaused, Effectiveness: 0.2, StartedAt: now.Add(-time.Minute)},
	}

	rep, err := BuildReport(TimeFrameDaily, execs, now)
	require.NoError(t, err)
	require.Len(t, rep.Usage, 2)
	assert.Equal(t, WorkflowUsage{WorkflowID: "wf-a", Executions: 2, Effectiveness: 1}, rep.Usage[0])
	assert.Equal(t, WorkflowUsage{WorkflowID: "wf-b", Executions: 1}, rep.Usage[1])
}

func TestBuildReportEmpty(t *testing.T) {
	rep, err := BuildReport(TimeFrameMonthly, nil, time.Now())
	require.NoError(t, err)
	assert.Zero(t, rep.TotalExecutions)
	assert.Zero(t, rep.AverageDuration)
	assert.Empty(t, rep.Usage)
}

func TestReporterGenerate(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, store.SaveExecution(ctx, Execution{ID: "new", WorkflowID: "wf-a", Status: StatusCompleted, StartedAt: now.Add(-time.Hour)}))
	require.NoError(t, store.SaveExecution(ctx, Execution{ID: "old", WorkflowID: "wf-a", Status: StatusCompleted, StartedAt: now.Add(-72 * time.Hour)}))

	bus := NewEventBus()
	rec := &recorder{}
	bus.Subscribe(EventReportGenerated, rec.listen)
	r := NewReporter(store, bus)
	r.now = func() time.Time { return now }

	rep, err := r.Generate(ctx, TimeFrameDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TotalExecutions)
	assert.Equal(t, []EventType{EventReportGenerated}, rec.types())

	_, err = r.Generate(ctx, "NEVER")
	assert.Error(t, err)
}
