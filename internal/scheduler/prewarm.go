package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "capsched/internal/log"
)

// Prewarmer periodically renders the calendars of known agents so that the
// first request after a change does not pay for generation.
type Prewarmer struct {
	svc    *Service
	agents []string
	cron   *cron.Cron
}

// NewPrewarmer schedules RunOnce on the standard five-field cron spec,
// evaluated in loc (nil means time.Local).
func NewPrewarmer(svc *Service, spec string, agents []string, loc *time.Location) (*Prewarmer, error) {
	if loc == nil {
		loc = time.Local
	}
	p := &Prewarmer{
		svc:    svc,
		agents: append([]string(nil), agents...),
		cron:   cron.New(cron.WithLocation(loc)),
	}
	if _, err := p.cron.AddFunc(spec, func() { p.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("scheduler: prewarm schedule %q: %w", spec, err)
	}
	return p, nil
}

// Start begins running the schedule in the background.
func (p *Prewarmer) Start() {
	appLog.Info("calendar prewarm started", "agents", len(p.agents))
	p.cron.Start()
}

// Stop stops the schedule and waits for a running pass to finish or for ctx
// to end.
func (p *Prewarmer) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce renders every configured agent's calendar and returns how many
// succeeded. Failures are logged and do not stop the pass.
func (p *Prewarmer) RunOnce(ctx context.Context) int {
	ok := 0
	for _, agent := range p.agents {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.svc.GetCalendarForCaptureAgent(ctx, agent); err != nil {
			appLog.Warn("calendar prewarm failed", "agent", agent, "err", err.Error())
			continue
		}
		ok++
	}
	appLog.Debug("calendar prewarm pass done", "agents", len(p.agents), "ok", ok)
	return ok
}
