package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.confighist.org/infra/confighist/go/config"
	"go.confighist.org/infra/go/now"
)

func TestPushDue(t *testing.T) {
	ts := time.Date(2023, time.June, 1, 12, 0, 0, 0, time.UTC)
	ctx := now.TimeTravelingContext(ts)

	m := config.MirrorSettings{
		URL:     "https://example.com/mirror.git",
		Cadence: config.CadenceHourly,
	}

	// Never pushed: due immediately.
	require.True(t, pushDue(ctx, m))

	m.LastPushAt = ts.Add(-30 * time.Minute)
	require.False(t, pushDue(ctx, m))
	m.LastPushAt = ts.Add(-time.Hour)
	require.True(t, pushDue(ctx, m))

	m.Cadence = config.CadenceDaily
	m.LastPushAt = ts.Add(-23 * time.Hour)
	require.False(t, pushDue(ctx, m))
	m.LastPushAt = ts.Add(-24 * time.Hour)
	require.True(t, pushDue(ctx, m))

	// Manual and every-commit cadences never push from the scheduler.
	m.LastPushAt = time.Time{}
	m.Cadence = config.CadenceManual
	require.False(t, pushDue(ctx, m))
	m.Cadence = config.CadenceEveryCommit
	require.False(t, pushDue(ctx, m))

	// No URL configured: never due.
	m = config.MirrorSettings{Cadence: config.CadenceHourly}
	require.False(t, pushDue(ctx, m))
}
