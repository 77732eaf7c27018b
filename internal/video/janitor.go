package video

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically evicts terminal jobs older than the retention TTL.
type Janitor struct {
	cron      *cron.Cron
	svc       *Service
	retention time.Duration
}

// NewJanitor schedules eviction on a standard cron spec such as "@every 10m".
func NewJanitor(svc *Service, schedule string, retention time.Duration) (*Janitor, error) {
	j := &Janitor{
		cron:      cron.New(),
		svc:       svc,
		retention: retention,
	}
	if _, err := j.cron.AddFunc(schedule, j.RunOnce); err != nil {
		return nil, fmt.Errorf("schedule janitor %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to expire.
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce performs a single eviction sweep.
func (j *Janitor) RunOnce() {
	n, err := j.svc.EvictExpired(context.Background(), j.retention)
	if err != nil {
		slog.Error("janitor sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("janitor evicted expired jobs", "count", n, "retention", j.retention.String())
	}
}
