package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

type TimeFrame string

const (
	TimeFrameDaily   TimeFrame = "DAILY"
	TimeFrameWeekly  TimeFrame = "WEEKLY"
	TimeFrameMonthly TimeFrame = "MONTHLY"
)

func ParseTimeFrame(s string) (TimeFrame, error) {
	tf := TimeFrame(strings.ToUpper(strings.TrimSpace(s)))
	if _, err := tf.Window(); err != nil {
		return "", err
	}
	return tf, nil
}

func (tf TimeFrame) Window() (time.Duration, error) {
	switch tf {
	case TimeFrameDaily:
		return 24 * time.Hour, nil
	case TimeFrameWeekly:
		return 7 * 24 * time.Hour, nil
	case TimeFrameMonthly:
		return 30 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown time frame %q", string(tf))
}

type WorkflowUsage struct {
	WorkflowID    string  `json:"workflow_id"`
	Executions    int     `json:"executions"`
	Effectiveness float64 `json:"mean_effectiveness"`
}

type Report struct {
	TimeFrame       TimeFrame               `json:"time_frame"`
	From            time.Time               `json:"from"`
	To              time.Time               `json:"to"`
	TotalExecutions int                     `json:"total_executions"`
	ByStatus        map[ExecutionStatus]int `json:"by_status"`
	AverageDuration time.Duration           `json:"average_duration"`
	Usage           []WorkflowUsage         `json:"usage"`
}

// BuildReport aggregates executions started inside the window ending at now.
// Average duration only covers executions with an end time, and mean
// effectiveness only covers executions in a terminal status.
func BuildReport(tf TimeFrame, execs []Execution, now time.Time) (Report, error) {
	window, err := tf.Window()
	if err != nil {
		return Report{}, err
	}
	from := now.Add(-window)
	rep := Report{TimeFrame: tf, From: from, To: now, ByStatus: map[ExecutionStatus]int{}}

	var total time.Duration
	ended := 0
	usage := map[string]*WorkflowUsage{}
	sums := map[string]float64{}
	finished := map[string]int{}
	for _, e := range execs {
		if e.StartedAt.Before(from) || e.StartedAt.After(now) {
			continue
		}
		rep.TotalExecutions++
		rep.ByStatus[e.Status]++
		if e.EndedAt != nil {
			total += e.EndedAt.Sub(e.StartedAt)
			ended++
		}
		u, ok := usage[e.WorkflowID]
		if !ok {
			u = &WorkflowUsage{WorkflowID: e.WorkflowID}
			usage[e.WorkflowID] = u
		}
		u.Executions++
		if e.Status.Terminal() {
			sums[e.WorkflowID] += e.Effectiveness
			finished[e.WorkflowID]++
		}
	}
	if ended > 0 {
		rep.AverageDuration = total / time.Duration(ended)
	}
	for id, u := range usage {
		if n := finished[id]; n > 0 {
			u.Effectiveness = sums[id] / float64(n)
		}
		rep.Usage = append(rep.Usage, *u)
	}
	sort.Slice(rep.Usage, func(i, j int) bool {
		if rep.Usage[i].Executions != rep.Usage[j].Executions {
			return rep.Usage[i].Executions > rep.Usage[j].Executions
		}
		return rep.Usage[i].WorkflowID < rep.Usage[j].WorkflowID
	})
	return rep, nil
}

// Reporter reads execution history from the store.
type Reporter struct {
	store Store
	bus   *EventBus
	now   func() time.Time
}

func NewReporter(store Store, bus *EventBus) *Reporter {
	return &Reporter{store: store, bus: bus, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Reporter) Generate(ctx context.Context, tf TimeFrame) (Report, error) {
	window, err := tf.Window()
	if err != nil {
		return Report{}, err
	}
	now := r.now()
	execs, err := r.store.ListSince(ctx, now.Add(-window))
	if err != nil {
		return Report{}, fmt.Errorf("list executions: %w", err)
	}
	rep, err := BuildReport(tf, execs, now)
	if err != nil {
		return Report{}, err
	}
	r.bus.Publish(Event{
		Type:   EventReportGenerated,
		Reason: string(tf),
		Data:   map[string]any{"total_executions": rep.TotalExecutions},
	})
	return rep, nil
}
