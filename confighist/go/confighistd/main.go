// confighistd keeps a versioned history of a configuration directory. It
// watches the tree, commits changes to a local Git repository, compacts old
// history on a schedule and serves the REST API the frontend talks to.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.confighist.org/infra/confighist/go/config"
	"go.confighist.org/infra/confighist/go/ignorefile"
	"go.confighist.org/infra/confighist/go/mirror"
	"go.confighist.org/infra/confighist/go/reload"
	"go.confighist.org/infra/confighist/go/repo"
	"go.confighist.org/infra/confighist/go/repomgr"
	"go.confighist.org/infra/confighist/go/rest"
	"go.confighist.org/infra/confighist/go/restore"
	"go.confighist.org/infra/confighist/go/retention"
	"go.confighist.org/infra/confighist/go/sched"
	"go.confighist.org/infra/confighist/go/snapshot"
	"go.confighist.org/infra/confighist/go/watcher"
	"go.confighist.org/infra/go/cleanup"
	"go.confighist.org/infra/go/httputils"
	"go.confighist.org/infra/go/sklog"
	"go.confighist.org/infra/go/sklog/sklogimpl"
	"go.confighist.org/infra/go/sklog/stdlogging"
)

func main() {
	var (
		port      = flag.String("port", ":8080", "HTTP service address.")
		promPort  = flag.String("prom_port", ":20000", "Metrics service address.")
		configDir = flag.String("config_dir", "", "Directory to track. Overrides "+config.RootEnvVar+".")
		local     = flag.Bool("local", false, "Running locally, not in production.")
	)
	flag.Parse()
	sklogimpl.SetLogger(stdlogging.New(os.Stderr))

	root := *configDir
	if root == "" {
		root = config.Root()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := config.NewStore(filepath.Join(root, config.SettingsFileName))
	if err != nil {
		sklog.Fatalf("Failed to load settings: %s", err)
	}
	r := repo.New(root)

	var mgr *repomgr.Manager
	policy := func() ignorefile.Policy {
		return mgr.Policy()
	}
	commits := snapshot.New(policy)
	mgr = repomgr.New(root, r, store, commits)
	ret := retention.New(r, commits)
	push := mirror.New(r, store)
	rst := restore.New(r, commits, policy, reload.NewClient())
	w := watcher.New(root, r, commits, policy, func() time.Duration {
		return store.Get().DebounceInterval()
	})
	scheduler := sched.New(store, push, ret)

	// Post-commit triggers. Each re-checks the settings at fire time.
	commits.AddPostCommitHook(func(ctx context.Context) {
		m := store.Get().Mirror
		if m.Enabled() && m.Cadence == config.CadenceEveryCommit {
			if err := push.Push(ctx); err != nil {
				sklog.Errorf("Post-commit mirror push failed: %s", err)
			}
		}
	})
	commits.AddPostCommitHook(func(ctx context.Context) {
		rs := store.Get().Retention
		if !rs.Enabled {
			return
		}
		if _, err := ret.Run(ctx, rs.Window()); err != nil && err != retention.ErrCleanupInProgress {
			sklog.Errorf("Post-commit history compaction failed: %s", err)
		}
	})

	if err := mgr.Start(ctx); err != nil {
		sklog.Fatalf("Failed to initialise repository at %s: %s", root, err)
	}
	go func() {
		if err := store.Watch(ctx); err != nil {
			sklog.Errorf("Settings watcher stopped: %s", err)
		}
	}()
	go func() {
		if err := w.Start(ctx); err != nil {
			sklog.Fatalf("Failed to start filesystem watcher: %s", err)
		}
	}()
	scheduler.Start()

	if !*local {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			sklog.Fatal(http.ListenAndServe(*promPort, mux))
		}()
	}

	router := chi.NewRouter()
	router.Use(httputils.LoggingRequestResponse)
	router.Get("/healthz", httputils.HealthzHandler)
	rest.New(r, store, mgr, commits, rst, ret, push).AddHandlers(router)

	server := &http.Server{
		Addr:    *port,
		Handler: router,
	}
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
		cleanup.Cleanup()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			sklog.Errorf("Server shutdown failed: %s", err)
		}
	}()

	sklog.Infof("Tracking %s; ready to serve on %s", root, *port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sklog.Fatal(err)
	}
	sklog.Flush()
}
