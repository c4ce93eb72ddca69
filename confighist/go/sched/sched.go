// Package sched drives the periodic background work: cadence-based mirror
// pushes and automatic history compaction. One hourly tick evaluates both;
// each job decides for itself whether it is due.
package sched

import (
	"context"
	"time"

	"go.confighist.org/infra/confighist/go/config"
	"go.confighist.org/infra/confighist/go/mirror"
	"go.confighist.org/infra/confighist/go/retention"
	"go.confighist.org/infra/go/cleanup"
	"go.confighist.org/infra/go/metrics2"
	"go.confighist.org/infra/go/now"
	"go.confighist.org/infra/go/sklog"
)

const tickInterval = time.Hour

// Scheduler owns the periodic tick.
type Scheduler struct {
	settings  *config.Store
	mirror    *mirror.Pusher
	retention *retention.Engine
	liveness  *metrics2.Liveness
}

// New returns an unstarted Scheduler.
func New(settings *config.Store, m *mirror.Pusher, r *retention.Engine) *Scheduler {
	return &Scheduler{
		settings:  settings,
		mirror:    m,
		retention: r,
		liveness:  metrics2.NewLiveness("confighist_sched_tick", nil),
	}
}

// Start begins ticking. The first tick fires immediately; the loop stops
// via cleanup.Cleanup at process shutdown.
func (s *Scheduler) Start() {
	cleanup.Repeat(tickInterval, s.tick, nil)
}

// Tick runs one scheduler pass. Exported for tests.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	settings := s.settings.Get()
	s.maybePush(ctx, settings.Mirror)
	s.maybeCompact(ctx, settings.Retention)
	s.liveness.Reset()
}

// pushDue returns true when the cadence calls for a push now. Manual and
// every-commit cadences never push from the scheduler: manual pushes come
// from the API, every-commit pushes from the post-commit hook.
func pushDue(ctx context.Context, m config.MirrorSettings) bool {
	if !m.Enabled() {
		return false
	}
	var interval time.Duration
	switch m.Cadence {
	case config.CadenceHourly:
		interval = time.Hour
	case config.CadenceDaily:
		interval = 24 * time.Hour
	default:
		return false
	}
	return now.Now(ctx).Sub(m.LastPushAt) >= interval
}

func (s *Scheduler) maybePush(ctx context.Context, m config.MirrorSettings) {
	if !pushDue(ctx, m) {
		return
	}
	if err := s.mirror.Push(ctx); err != nil {
		sklog.Errorf("Scheduled mirror push failed: %s", err)
	}
}

func (s *Scheduler) maybeCompact(ctx context.Context, r config.RetentionSettings) {
	if !r.Enabled {
		return
	}
	result, err := s.retention.Run(ctx, r.Window())
	if err == retention.ErrCleanupInProgress {
		return
	}
	if err != nil {
		sklog.Errorf("Scheduled history compaction failed: %s", err)
		return
	}
	if !result.NoOp {
		sklog.Infof("Scheduled compaction merged %d commits.", result.MergedCount)
	}
}
