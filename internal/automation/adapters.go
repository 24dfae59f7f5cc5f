package automation

import (
	"context"

	logx "automator/pkg/logx"
)

// LogAdapter is a DisplayAdapter for headless runs: every schedule prepares
// immediately and "displays" as a log line.
type LogAdapter struct {
	Log logx.Logger
}

func (a LogAdapter) Prepare(context.Context, *Prepared) PrepareResult { return PrepareSuccess }

func (a LogAdapter) Display(_ context.Context, p *Prepared) DisplayResult {
	a.Log.Info("display",
		logx.String("schedule", p.ScheduleID),
		logx.String("type", string(p.ContentType)),
		logx.Int("content_bytes", len(p.Content)),
	)
	return DisplayFinished
}

func (a LogAdapter) Cancelled(scheduleID string) {
	a.Log.Debug("display released", logx.String("schedule", scheduleID))
}
