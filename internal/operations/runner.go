package operations

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kebairia/drivebackup/internal/archive"
	"github.com/kebairia/drivebackup/internal/config"
	"github.com/kebairia/drivebackup/internal/logger"
	"github.com/kebairia/drivebackup/internal/retention"
	"github.com/kebairia/drivebackup/internal/storage"
)

// SettingsSource is the configuration the runner reads at the start of
// every run and writes the completion time back to.
type SettingsSource interface {
	Settings() config.Settings
	SetLastBackupTime(t time.Time) error
}

// Authenticator reports whether a usable credential exists.
type Authenticator interface {
	Ready(ctx context.Context) error
}

type Archiver interface {
	Archive(ctx context.Context, sourceDir, dest string) (archive.Stats, error)
}

type Retainer interface {
	Enforce(ctx context.Context, typeTag string, keep int) (retention.Decision, error)
}

// Notifier receives plain status lines. It must not block for long.
type Notifier func(msg string)

// RunState tracks whether a run is executing and when the last one
// finished without failures.
type RunState struct {
	running     atomic.Bool
	lastSuccess atomic.Int64
}

func (s *RunState) Running() bool { return s.running.Load() }

func (s *RunState) LastSuccess() time.Time {
	n := s.lastSuccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *RunState) begin() bool { return s.running.CompareAndSwap(false, true) }
func (s *RunState) end()        { s.running.Store(false) }

type RunnerOption func(*Runner)

func WithArchiver(a Archiver) RunnerOption {
	return func(r *Runner) { r.archiver = a }
}

// WithRetainer replaces the retention policy built for each run from its
// settings and the remote folder id resolved for it.
func WithRetainer(fn func(s config.Settings, folderID string) Retainer) RunnerOption {
	return func(r *Runner) { r.retainer = fn }
}

// WithTargetPause sets the throttle used for the pause between targets.
func WithTargetPause(t archive.Throttle) RunnerOption {
	return func(r *Runner) { r.pause = t }
}

func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) { r.notifier = n }
}

func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func WithRunnerLogger(log logger.Logger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// Runner executes one backup run at a time.
type Runner struct {
	settings SettingsSource
	auth     Authenticator
	remote   storage.Store
	archiver Archiver
	retainer func(config.Settings, string) Retainer
	pause    archive.Throttle
	notifier Notifier
	metrics  *Metrics
	log      logger.Logger
	now      func() time.Time

	state RunState
}

func NewRunner(settings SettingsSource, auth Authenticator, remote storage.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		settings: settings,
		auth:     auth,
		remote:   remote,
		pause:    archive.Sleep{},
		log:      logger.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.archiver == nil {
		r.archiver = archive.New(archive.WithLogger(r.log))
	}
	if r.retainer == nil {
		r.retainer = func(s config.Settings, folderID string) Retainer {
			return retention.New(s.BackupsPath(), r.remote, s.RemoteFolder,
				retention.WithFolderID(folderID),
				retention.WithLogger(r.log),
			)
		}
	}
	return r
}

func (r *Runner) State() *RunState { return &r.state }

func (r *Runner) notify(msg string) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("status notifier panicked", "panic", p)
		}
	}()
	r.notifier(msg)
}

// Run performs one backup run. Targets are processed in order and a
// failing target never stops the ones after it.
func (r *Runner) Run(ctx context.Context, trigger Trigger) *Report {
	rep := newReport(trigger, r.now())
	log := r.log.With("run", rep.ID, "trigger", string(trigger))

	if !r.state.begin() {
		rep.Status, rep.Reason = RunSkipped, "a backup is already running"
		rep.finish(r.now())
		return rep
	}
	defer r.state.end()

	defer func() {
		if rep.CompletedAt.IsZero() {
			rep.finish(r.now())
		}
		r.metrics.observe(rep)
		log.Info("backup run finished", "status", string(rep.Status), "duration_ms", rep.DurationMs)
	}()

	if err := r.auth.Ready(ctx); err != nil {
		rep.Status, rep.Reason = RunSkipped, "not authenticated"
		log.Warn("backup skipped, not authenticated", "error", err)
		rep.finish(r.now())
		r.notify(rep.Summary())
		return rep
	}

	settings := r.settings.Settings()
	r.notify("Starting backup process. Server might experience slight lag...")
	log.Info("backup run started")

	folderID, err := r.remote.ResolveFolder(ctx, settings.RemoteFolder)
	if err != nil {
		rep.Status, rep.Reason = RunFailed, fmt.Sprintf("resolve remote folder %q: %v", settings.RemoteFolder, err)
		log.Error("backup run aborted", "error", err)
		rep.finish(r.now())
		r.writeReport(rep, settings, log)
		r.notify(rep.Summary())
		return rep
	}

	retainer := r.retainer(settings, folderID)
	targets := Targets(settings)
	for i, t := range targets {
		if i > 0 {
			if err := r.pause.Wait(ctx, settings.TargetPause()); err != nil {
				log.Warn("backup run interrupted", "error", err)
				for _, rest := range targets[i:] {
					rep.add(failed(rest, Artifact{}, fmt.Errorf("%w: interrupted", ErrArchiveFailed)))
				}
				break
			}
		}
		o := r.backupTarget(ctx, t, folderID, settings, retainer, log)
		rep.add(o)
		r.report(o, log)
	}

	if _, _, bad := rep.Counts(); bad == 0 {
		done := r.now()
		r.state.lastSuccess.Store(done.UnixNano())
		if err := r.settings.SetLastBackupTime(done); err != nil {
			log.Error("record last backup time", "error", err)
		}
	}

	rep.finish(r.now())
	r.writeReport(rep, settings, log)
	r.notify(rep.Summary())
	return rep
}

func (r *Runner) report(o Outcome, log logger.Logger) {
	kv := []any{"target", o.Target.Name, "type", o.Target.TypeTag}
	switch o.Kind {
	case OutcomeSuccess:
		log.Info("target backed up", append(kv, "archive", o.Artifact.LocalPath, "remote_id", o.Artifact.RemoteID, "size", o.Artifact.SizeBytes)...)
		r.notify("Successfully uploaded " + o.Target.TypeTag)
		if o.Warning != "" {
			log.Warn("retention incomplete", append(kv, "error", o.Warning)...)
		}
	case OutcomeSkipped:
		log.Warn("target skipped", append(kv, "reason", o.Reason)...)
		if !errors.Is(o.Err, ErrSourceMissing) || o.Target.TypeTag != ModsTypeTag {
			r.notify(fmt.Sprintf("Skipped %s: %s", o.Target.Name, o.Reason))
		}
	case OutcomeFailed:
		log.Error("target failed", append(kv, "error", o.Err)...)
		r.notify(fmt.Sprintf("Failed to backup %s: %s", o.Target.TypeTag, o.Reason))
	}
}

func (r *Runner) writeReport(rep *Report, s config.Settings, log logger.Logger) {
	if err := rep.Write(s.BackupsPath()); err != nil {
		log.Warn("write run report", "error", err)
	}
}
