// Package config persists the runtime settings of the service: debounce
// interval, tracked-extension policy, retention window and mirror
// configuration. Settings live in a single JSON document written through a
// temp-file rename. Unknown top-level fields are preserved across
// load/save cycles so older or newer builds can share the file.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	fsnotify "gopkg.in/fsnotify.v1"

	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
	"go.confighist.org/infra/go/util"
)

const (
	// RootEnvVar optionally names the config root to track.
	RootEnvVar = "CONFIGHIST_ROOT"

	// DefaultRoot is the conventional location of the tracked tree.
	DefaultRoot = "/config"

	// SettingsFileName is the name of the settings document inside the
	// config root.
	SettingsFileName = ".confighist.json"

	DefaultDebounceSeconds = 5
)

// Mirror push cadences.
const (
	CadenceManual      = "manual"
	CadenceEveryCommit = "every-commit"
	CadenceHourly      = "hourly"
	CadenceDaily       = "daily"
)

// Retention window units.
const (
	UnitHours  = "hours"
	UnitDays   = "days"
	UnitWeeks  = "weeks"
	UnitMonths = "months"
)

var (
	validCadences = []string{CadenceManual, CadenceEveryCommit, CadenceHourly, CadenceDaily}
	validUnits    = []string{UnitHours, UnitDays, UnitWeeks, UnitMonths}
)

// Root returns the config root, from the environment or the default.
func Root() string {
	if root := os.Getenv(RootEnvVar); root != "" {
		return root
	}
	return DefaultRoot
}

// RetentionSettings controls history compaction.
type RetentionSettings struct {
	Enabled bool   `json:"enabled"`
	Value   int    `json:"value"`
	Unit    string `json:"unit"`
}

// Window returns the retention window as a duration. Months count as 30
// days, weeks as 7.
func (r RetentionSettings) Window() time.Duration {
	day := 24 * time.Hour
	switch r.Unit {
	case UnitHours:
		return time.Duration(r.Value) * time.Hour
	case UnitDays:
		return time.Duration(r.Value) * day
	case UnitWeeks:
		return time.Duration(r.Value) * 7 * day
	case UnitMonths:
		return time.Duration(r.Value) * 30 * day
	}
	return 0
}

// MirrorSettings controls pushes to the remote mirror.
type MirrorSettings struct {
	URL            string    `json:"url"`
	Token          string    `json:"token"`
	Cadence        string    `json:"cadence"`
	IncludeSecrets bool      `json:"includeSecrets"`
	LastPushAt     time.Time `json:"lastPushAt"`
	LastPushOK     bool      `json:"lastPushOk"`
	LastPushError  string    `json:"lastPushError"`
}

// Enabled returns true if a mirror URL is configured.
func (m MirrorSettings) Enabled() bool {
	return m.URL != ""
}

// Settings is the full runtime configuration.
type Settings struct {
	DebounceSeconds   int               `json:"debounceSeconds"`
	TrackedExtensions []string          `json:"trackedExtensions"`
	TrackHidden       bool              `json:"trackHidden"`
	Retention         RetentionSettings `json:"retention"`
	Mirror            MirrorSettings    `json:"mirror"`
}

// DebounceInterval returns the debounce interval as a duration.
func (s Settings) DebounceInterval() time.Duration {
	return time.Duration(s.DebounceSeconds) * time.Second
}

// Default returns the settings used when no settings document exists.
func Default() Settings {
	return Settings{
		DebounceSeconds:   DefaultDebounceSeconds,
		TrackedExtensions: []string{"yaml", "yml", "json"},
		TrackHidden:       false,
		Retention: RetentionSettings{
			Enabled: false,
			Value:   90,
			Unit:    UnitDays,
		},
		Mirror: MirrorSettings{
			Cadence: CadenceManual,
		},
	}
}

// Validate returns an error describing the first invalid field, if any.
func Validate(s Settings) error {
	if s.DebounceSeconds < 0 {
		return skerr.Fmt("debounceSeconds must be >= 0, got %d", s.DebounceSeconds)
	}
	if len(s.TrackedExtensions) == 0 {
		return skerr.Fmt("at least one tracked extension is required")
	}
	if s.Retention.Value < 1 {
		return skerr.Fmt("retention value must be >= 1, got %d", s.Retention.Value)
	}
	if !util.In(s.Retention.Unit, validUnits) {
		return skerr.Fmt("invalid retention unit %q", s.Retention.Unit)
	}
	if !util.In(s.Mirror.Cadence, validCadences) {
		return skerr.Fmt("invalid mirror cadence %q", s.Mirror.Cadence)
	}
	return nil
}

func copySettings(s Settings) Settings {
	rv := s
	rv.TrackedExtensions = append([]string(nil), s.TrackedExtensions...)
	return rv
}

// Store guards the settings document. Readers receive a copy; writers go
// through Update which validates and persists atomically.
type Store struct {
	path string

	mtx      sync.Mutex
	settings Settings
	extra    map[string]json.RawMessage
	// lastSeen is the document content as of the last load or write, used
	// to tell our own atomic-rename writes apart from external edits.
	lastSeen []byte
}

// NewStore loads the settings document at the given path, falling back to
// defaults when it does not exist.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:     path,
		settings: Default(),
		extra:    map[string]json.RawMessage{},
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, skerr.Wrapf(err, "failed to load settings from %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, skerr.Wrap(err)
	}
	return s, nil
}

// Path returns the location of the settings document.
func (s *Store) Path() string {
	return s.path
}

func knownKeys() map[string]bool {
	b, _ := json.Marshal(Default())
	m := map[string]json.RawMessage{}
	_ = json.Unmarshal(b, &m)
	keys := map[string]bool{}
	for k := range m {
		keys[k] = true
	}
	return keys
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return skerr.Wrap(err)
	}
	return s.decode(b)
}

func (s *Store) decode(b []byte) error {
	settings := Default()
	if err := json.Unmarshal(b, &settings); err != nil {
		return skerr.Wrap(err)
	}
	if err := Validate(settings); err != nil {
		return skerr.Wrap(err)
	}
	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &all); err != nil {
		return skerr.Wrap(err)
	}
	known := knownKeys()
	extra := map[string]json.RawMessage{}
	for k, v := range all {
		if !known[k] {
			extra[k] = v
		}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.settings = settings
	s.extra = extra
	s.lastSeen = b
	return nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return copySettings(s.settings)
}

// Update applies fn to a copy of the settings, validates the result and
// persists it atomically.
func (s *Store) Update(fn func(*Settings)) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	settings := copySettings(s.settings)
	fn(&settings)
	if err := Validate(settings); err != nil {
		return skerr.Wrap(err)
	}
	if err := s.writeLocked(settings); err != nil {
		return skerr.Wrap(err)
	}
	s.settings = settings
	return nil
}

func (s *Store) writeLocked(settings Settings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return skerr.Wrap(err)
	}
	merged := map[string]json.RawMessage{}
	for k, v := range s.extra {
		merged[k] = v
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return skerr.Wrap(err)
	}
	for k, v := range fields {
		merged[k] = v
	}
	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	content := append(out, '\n')
	if err := util.WithWriteFile(s.path, func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	}); err != nil {
		return skerr.Wrap(err)
	}
	s.lastSeen = content
	return nil
}

// reload re-reads the settings document. Content matching our own last
// write or load is skipped, so rename notifications triggered by Update do
// not cause spurious reloads. Returns true if new content was applied.
func (s *Store) reload() (bool, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	s.mtx.Lock()
	seen := bytes.Equal(b, s.lastSeen)
	s.mtx.Unlock()
	if seen {
		return false, nil
	}
	return true, s.decode(b)
}

// Watch reloads the settings document when it is edited externally. Our own
// atomic-rename writes are recognised by content comparison and skipped.
// Returns when the context is canceled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.Close(w)
	// Watch the containing directory; the file itself is replaced by
	// rename on every write.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return skerr.Wrap(err)
	}
	for {
		select {
		case ev := <-w.Events:
			if ev.Name != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			applied, err := s.reload()
			if err != nil {
				sklog.Warningf("Ignoring invalid settings edit: %s", err)
			} else if applied {
				sklog.Infof("Reloaded settings from %s", s.path)
			}
		case err := <-w.Errors:
			sklog.Errorf("Settings watcher error: %s", err)
		case <-ctx.Done():
			return nil
		}
	}
}
