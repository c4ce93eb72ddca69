package watcher

import (
	"context"
	"testing"
	"time"

	fswatcher "github.com/radovskyb/watcher"
	"github.com/stretchr/testify/require"

	"go.confighist.org/infra/confighist/go/ignorefile"
	"go.confighist.org/infra/confighist/go/repo"
	"go.confighist.org/infra/confighist/go/snapshot"
	"go.confighist.org/infra/go/git"
	gittestutils "go.confighist.org/infra/go/git/testutils"
	"go.confighist.org/infra/go/testutils"
)

func yamlPolicy() ignorefile.Policy {
	return ignorefile.Policy{Extensions: []string{"yaml", "yml", "json"}}
}

func newWatcherForTest(t *testing.T, ctx context.Context, debounce time.Duration) (*gittestutils.GitBuilder, *Watcher) {
	g := gittestutils.GitInit(t, ctx)
	r := repo.New(g.Dir())
	r.MarkReady()
	w := New(g.Dir(), r, snapshot.New(yamlPolicy), yamlPolicy, func() time.Duration {
		return debounce
	})
	return g, w
}

func TestScheduleDebounces(t *testing.T) {
	ctx := context.Background()
	_, w := newWatcherForTest(t, ctx, time.Hour)

	w.schedule("configuration.yaml")
	w.schedule("automations.yaml")
	// Re-scheduling an already-pending path does not add a second timer.
	w.schedule("configuration.yaml")

	require.ElementsMatch(t, []string{"configuration.yaml", "automations.yaml"}, w.PendingIntents())
}

func TestExpiryCommits(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, w := newWatcherForTest(t, ctx, 20*time.Millisecond)
	co := g.Checkout()
	go w.worker(ctx)

	g.Write("configuration.yaml", "version: 1\n")
	w.schedule("configuration.yaml")

	require.Eventually(t, func() bool {
		log, err := co.Log(ctx, git.LogOptions{})
		return err == nil && len(log) == 1
	}, 5*time.Second, 10*time.Millisecond)

	log, err := co.Log(ctx, git.LogOptions{})
	require.NoError(t, err)
	require.Equal(t, "configuration.yaml", log[0].Subject)
	require.Empty(t, w.PendingIntents())
}

func TestDebounceIsPerPath(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, w := newWatcherForTest(t, ctx, 50*time.Millisecond)
	co := g.Checkout()
	go w.worker(ctx)

	// A steady stream of events for one path must not delay the commit of
	// another.
	g.Write("busy.yaml", "busy\n")
	g.Write("quiet.yaml", "quiet\n")
	w.schedule("quiet.yaml")
	quietCommitted := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !quietCommitted {
		w.schedule("busy.yaml")
		log, err := co.Log(ctx, git.LogOptions{})
		require.NoError(t, err)
		if len(log) == 1 && log[0].Subject == "quiet.yaml" {
			quietCommitted = true
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, quietCommitted)

	// Once the stream stops, busy.yaml commits too.
	require.Eventually(t, func() bool {
		log, err := co.Log(ctx, git.LogOptions{})
		return err == nil && len(log) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleEventFilters(t *testing.T) {
	ctx := context.Background()
	g, w := newWatcherForTest(t, ctx, time.Hour)
	root := g.Dir()

	event := func(rel string) fswatcher.Event {
		return fswatcher.Event{Path: root + "/" + rel}
	}

	// Tracked path: scheduled.
	w.handleEvent(event("configuration.yaml"))
	require.Equal(t, []string{"configuration.yaml"}, w.PendingIntents())

	// Policy-rejected and out-of-tree paths: dropped.
	w.handleEvent(event("notes.txt"))
	w.handleEvent(fswatcher.Event{Path: "/elsewhere/file.yaml"})
	require.Len(t, w.PendingIntents(), 1)

	// Paths beyond the depth bound: dropped.
	deep := "a"
	for i := 0; i < maxDepth; i++ {
		deep += "/a"
	}
	w.handleEvent(event(deep + "/file.yaml"))
	require.Len(t, w.PendingIntents(), 1)
}
