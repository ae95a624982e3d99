package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/drivebackup/internal/archive"
	"github.com/kebairia/drivebackup/internal/auth"
	"github.com/kebairia/drivebackup/internal/config"
	"github.com/kebairia/drivebackup/internal/retention"
	"github.com/kebairia/drivebackup/internal/storage"
	"github.com/kebairia/drivebackup/internal/storage/storagetest"
)

type memSettings struct {
	mu   sync.Mutex
	s    config.Settings
	last []time.Time
}

func (m *memSettings) Settings() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

func (m *memSettings) SetLastBackupTime(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = append(m.last, t)
	m.s.LastBackupTime = t.Format(config.LastBackupLayout)
	return nil
}

func (m *memSettings) lastBackups() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.last...)
}

// newSettings creates a game directory holding one small world per name.
func newSettings(t *testing.T, worlds ...string) *memSettings {
	t.Helper()
	game := t.TempDir()
	for _, w := range worlds {
		require.NoError(t, os.MkdirAll(filepath.Join(game, w, "region"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(game, w, "level.dat"), []byte("level of "+w), 0o644))
	}
	s := config.Defaults()
	s.GameDir = game
	s.BackupsDir = filepath.Join(game, "backups")
	s.WorldsToBackup = worlds
	s.BackupMods = false
	s.RemoteFolder = "Backups"
	s.KeepCount = 1
	s.TargetPauseMs = 0
	return &memSettings{s: s}
}

type readyFunc func(ctx context.Context) error

func (f readyFunc) Ready(ctx context.Context) error { return f(ctx) }

var authorized = readyFunc(func(context.Context) error { return nil })

type noPause struct{}

func (noPause) Wait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// stepClock advances a minute per call so archive names never collide.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

type notes struct {
	mu    sync.Mutex
	lines []string
}

func (n *notes) add(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, msg)
}

func (n *notes) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func newTestRunner(settings SettingsSource, a Authenticator, remote storage.Store, opts ...RunnerOption) *Runner {
	base := []RunnerOption{
		WithArchiver(archive.New(archive.WithThrottle(noPause{}))),
		WithTargetPause(noPause{}),
		WithClock(stepClock()),
	}
	return NewRunner(settings, a, remote, append(base, opts...)...)
}

func TestTargets(t *testing.T) {
	s := config.Defaults()
	s.GameDir = "/srv/game"
	s.WorldsToBackup = []string{"world", "world_nether"}
	s.BackupMods = true

	assert.Equal(t, []Target{
		{Name: "world", SourcePath: filepath.Join("/srv/game", "world"), TypeTag: "worlds/world"},
		{Name: "world_nether", SourcePath: filepath.Join("/srv/game", "world_nether"), TypeTag: "worlds/world_nether"},
		{Name: "mods", SourcePath: filepath.Join("/srv/game", "mods"), TypeTag: "mods"},
	}, Targets(s))
}

func TestRun_SkipsWhenNotAuthenticated(t *testing.T) {
	settings := newSettings(t, "world")
	remote := storagetest.NewMemory()
	var n notes
	r := newTestRunner(settings, readyFunc(func(context.Context) error { return auth.ErrNotAuthorized }), remote,
		WithNotifier(n.add))

	rep := r.Run(context.Background(), TriggerManual)

	assert.Equal(t, RunSkipped, rep.Status)
	assert.Equal(t, "not authenticated", rep.Reason)
	assert.Equal(t, "Backup skipped: not authenticated", rep.Summary())
	assert.Zero(t, remote.Uploads)
	assert.Zero(t, remote.FolderCreates)
	assert.Empty(t, settings.lastBackups())
	assert.False(t, n.contains("Starting backup"))
	assert.True(t, n.contains("Backup skipped: not authenticated"))
}

func TestRun_ResolvesFolderOncePerRun(t *testing.T) {
	settings := newSettings(t, "alpha", "beta", "gamma")
	remote := storagetest.NewMemory()
	r := newTestRunner(settings, authorized, remote)

	rep := r.Run(context.Background(), TriggerManual)

	require.Equal(t, RunCompleted, rep.Status)
	assert.Equal(t, 1, remote.FolderResolves)
	assert.Equal(t, 3, remote.Uploads)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	settings := newSettings(t, "alpha", "beta", "gamma")
	remote := storagetest.NewMemory()
	remote.FailUpload = func(name string) error {
		if strings.HasPrefix(name, "worlds-beta_") {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	var n notes
	r := newTestRunner(settings, authorized, remote, WithNotifier(n.add))

	rep := r.Run(context.Background(), TriggerManual)

	ok, skip, bad := rep.Counts()
	assert.Equal(t, 2, ok)
	assert.Zero(t, skip)
	assert.Equal(t, 1, bad)
	assert.Equal(t, RunPartial, rep.Status)

	require.Len(t, rep.Outcomes, 3)
	assert.Equal(t, OutcomeSuccess, rep.Outcomes[0].Kind)
	assert.Equal(t, OutcomeFailed, rep.Outcomes[1].Kind)
	assert.ErrorIs(t, rep.Outcomes[1].Err, ErrUploadFailed)
	assert.Equal(t, OutcomeSuccess, rep.Outcomes[2].Kind)
	assert.NotEmpty(t, rep.Outcomes[2].Artifact.RemoteID)

	folder, ok2 := remote.Folder("Backups")
	require.True(t, ok2)
	names := remote.Names(folder)
	require.Len(t, names, 2)
	assert.True(t, strings.HasPrefix(names[0], "worlds-alpha_"))
	assert.True(t, strings.HasPrefix(names[1], "worlds-gamma_"))

	assert.True(t, n.contains("Failed to backup worlds/beta"))
	assert.Empty(t, settings.lastBackups(), "a run with failures is not a success")
}

func TestRun_RetentionOnlyAfterUpload(t *testing.T) {
	settings := newSettings(t, "alpha", "beta")
	s := settings.Settings()
	require.NoError(t, os.MkdirAll(s.BackupsDir, 0o755))
	oldAlpha := filepath.Join(s.BackupsDir, "worlds-alpha_2020-01-01_00-00-00.zip")
	oldBeta := filepath.Join(s.BackupsDir, "worlds-beta_2020-01-01_00-00-00.zip")
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range []string{oldAlpha, oldBeta} {
		require.NoError(t, os.WriteFile(p, []byte("old"), 0o644))
		require.NoError(t, os.Chtimes(p, past, past))
	}

	remote := storagetest.NewMemory()
	folder, err := remote.ResolveFolder(context.Background(), "Backups")
	require.NoError(t, err)
	remote.Put("worlds-alpha_2020-01-01_00-00-00.zip", folder, past)
	remote.Put("worlds-beta_2020-01-01_00-00-00.zip", folder, past)
	remote.FailUpload = func(name string) error {
		if strings.HasPrefix(name, "worlds-beta_") {
			return errors.New("quota exceeded")
		}
		return nil
	}

	rep := newTestRunner(settings, authorized, remote).Run(context.Background(), TriggerSchedule)
	require.Len(t, rep.Outcomes, 2)

	assert.NoFileExists(t, oldAlpha)
	assert.FileExists(t, rep.Outcomes[0].Artifact.LocalPath)
	assert.FileExists(t, oldBeta, "retention must not run when the upload failed")

	names := remote.Names(folder)
	assert.Contains(t, names, "worlds-beta_2020-01-01_00-00-00.zip")
	assert.NotContains(t, names, "worlds-alpha_2020-01-01_00-00-00.zip")
}

func TestRun_MissingSourceIsSkipped(t *testing.T) {
	settings := newSettings(t, "world")
	settings.s.WorldsToBackup = []string{"world", "gone"}
	settings.s.BackupMods = true
	r := newTestRunner(settings, authorized, storagetest.NewMemory())

	rep := r.Run(context.Background(), TriggerManual)

	require.Len(t, rep.Outcomes, 3)
	assert.Equal(t, OutcomeSuccess, rep.Outcomes[0].Kind)
	assert.Equal(t, OutcomeSkipped, rep.Outcomes[1].Kind)
	assert.ErrorIs(t, rep.Outcomes[1].Err, ErrSourceMissing)
	assert.Equal(t, OutcomeSkipped, rep.Outcomes[2].Kind)
	assert.Equal(t, RunCompleted, rep.Status)
	assert.Len(t, settings.lastBackups(), 1)
	assert.False(t, r.State().LastSuccess().IsZero())
}

func TestRun_RecordsLastSuccessAndReport(t *testing.T) {
	settings := newSettings(t, "world")
	remote := storagetest.NewMemory()
	metrics := NewMetrics(prometheus.NewRegistry())
	r := newTestRunner(settings, authorized, remote, WithMetrics(metrics))

	rep := r.Run(context.Background(), TriggerManual)
	require.Equal(t, RunCompleted, rep.Status)
	assert.Equal(t, "Backup completed successfully!", rep.Summary())
	assert.False(t, r.State().LastSuccess().IsZero())
	assert.False(t, r.State().Running())

	last := settings.lastBackups()
	require.Len(t, last, 1)
	_, ok := settings.Settings().LastBackup()
	assert.True(t, ok)

	loaded, err := LoadReport(filepath.Join(settings.Settings().BackupsDir, ReportFilename))
	require.NoError(t, err)
	assert.Equal(t, rep.ID, loaded.ID)
	assert.Equal(t, RunCompleted, loaded.Status)
	require.Len(t, loaded.Targets, 1)
	assert.Equal(t, "success", loaded.Targets[0].Result)
	assert.Equal(t, "worlds/world", loaded.Targets[0].TypeTag)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.targets.WithLabelValues("success")))
	assert.Positive(t, testutil.ToFloat64(metrics.archiveBytes))
}

func TestRun_ArchiveNameFollowsTypeTag(t *testing.T) {
	settings := newSettings(t, "world")
	remote := storagetest.NewMemory()
	clock := time.Date(2024, 7, 9, 18, 4, 5, 0, time.Local)

	rep := newTestRunner(settings, authorized, remote, WithClock(func() time.Time { return clock })).
		Run(context.Background(), TriggerManual)

	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, retention.ArchiveName("worlds/world", clock), filepath.Base(rep.Outcomes[0].Artifact.LocalPath))
	assert.Equal(t, "worlds-world_2024-07-09_18-04-05.zip", filepath.Base(rep.Outcomes[0].Artifact.LocalPath))
}

type folderFailure struct{ *storagetest.Memory }

func (folderFailure) ResolveFolder(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: 500 backend error", storage.ErrRemote)
}

func TestRun_FolderFailureAbortsRun(t *testing.T) {
	settings := newSettings(t, "world")
	remote := folderFailure{storagetest.NewMemory()}

	rep := newTestRunner(settings, authorized, remote).Run(context.Background(), TriggerManual)

	assert.Equal(t, RunFailed, rep.Status)
	assert.Contains(t, rep.Summary(), "resolve remote folder")
	assert.Empty(t, rep.Outcomes)
	assert.Zero(t, remote.Uploads)
}

func TestRun_NotifierPanicIsContained(t *testing.T) {
	settings := newSettings(t, "world")
	remote := storagetest.NewMemory()
	r := newTestRunner(settings, authorized, remote, WithNotifier(func(string) { panic("display gone") }))

	rep := r.Run(context.Background(), TriggerManual)
	assert.Equal(t, RunCompleted, rep.Status)
	assert.Equal(t, 1, remote.Uploads)
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	settings := newSettings(t, "world")
	gate := make(chan struct{})
	arch := &blockingArchiver{gate: gate}
	r := newTestRunner(settings, authorized, storagetest.NewMemory(), WithArchiver(arch))

	done := make(chan *Report)
	go func() { done <- r.Run(context.Background(), TriggerManual) }()
	require.Eventually(t, func() bool { return arch.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := r.Run(context.Background(), TriggerManual)
	assert.Equal(t, RunSkipped, second.Status)

	close(gate)
	assert.Equal(t, RunCompleted, (<-done).Status)
}

// blockingArchiver writes a tiny archive once gate is closed and tracks
// how many calls overlap.
type blockingArchiver struct {
	gate      chan struct{}
	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func (b *blockingArchiver) Archive(ctx context.Context, _, dest string) (archive.Stats, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		m := b.maxActive.Load()
		if n <= m || b.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	b.calls.Add(1)

	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return archive.Stats{}, ctx.Err()
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return archive.Stats{}, err
	}
	return archive.Stats{Files: 1, Bytes: 3}, os.WriteFile(dest, []byte("zip"), 0o644)
}
