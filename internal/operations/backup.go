package operations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kebairia/drivebackup/internal/config"
	"github.com/kebairia/drivebackup/internal/logger"
	"github.com/kebairia/drivebackup/internal/retention"
)

// backupTarget archives, uploads and prunes a single target. Retention only
// runs once the new archive has a remote id.
func (r *Runner) backupTarget(
	ctx context.Context,
	t Target,
	folderID string,
	s config.Settings,
	retainer Retainer,
	log logger.Logger,
) (o Outcome) {
	start := r.now()
	defer func() { o.Duration = r.now().Sub(start) }()

	if info, err := os.Stat(t.SourcePath); err != nil || !info.IsDir() {
		return skipped(t, fmt.Errorf("%w: %s", ErrSourceMissing, t.SourcePath))
	}

	name := retention.ArchiveName(t.TypeTag, start)
	artifact := Artifact{
		LocalPath: filepath.Join(s.BackupsPath(), name),
		CreatedAt: start,
		TypeTag:   t.TypeTag,
	}

	r.notify("Backing up " + t.Name + "...")
	log.Debug("archiving target", "target", t.Name, "source", t.SourcePath, "archive", artifact.LocalPath)
	if _, err := r.archiver.Archive(ctx, t.SourcePath, artifact.LocalPath); err != nil {
		return failed(t, artifact, fmt.Errorf("%w: %v", ErrArchiveFailed, err))
	}
	info, err := os.Stat(artifact.LocalPath)
	if err != nil || info.Size() == 0 {
		return failed(t, artifact, fmt.Errorf("%w: no archive produced at %s", ErrArchiveFailed, artifact.LocalPath))
	}
	artifact.SizeBytes = info.Size()

	r.notify("Uploading " + name + "...")
	id, err := r.remote.Upload(ctx, artifact.LocalPath, name, folderID)
	if err != nil {
		return failed(t, artifact, fmt.Errorf("%w: %v", ErrUploadFailed, err))
	}
	if id == "" {
		return failed(t, artifact, fmt.Errorf("%w: no remote id returned for %s", ErrUploadFailed, name))
	}
	artifact.RemoteID = id

	o = succeeded(t, artifact)
	if _, err := retainer.Enforce(ctx, t.TypeTag, s.KeepCount); err != nil {
		o.Warning = fmt.Errorf("%w: %v", ErrRetentionFailed, err).Error()
	}
	return o
}
