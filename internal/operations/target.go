package operations

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/kebairia/drivebackup/internal/config"
)

var (
	ErrSourceMissing   = errors.New("source directory missing")
	ErrArchiveFailed   = errors.New("archive failed")
	ErrUploadFailed    = errors.New("upload failed")
	ErrRetentionFailed = errors.New("retention failed")
	ErrStopped         = errors.New("scheduler stopped")
)

const (
	worldTypePrefix = "worlds/"
	ModsTypeTag     = "mods"
	modsDirName     = "mods"
)

// Target is one directory backed up by a run.
type Target struct {
	Name       string
	SourcePath string
	TypeTag    string
}

// Targets lists the configured worlds in order, followed by the mods
// directory when enabled.
func Targets(s config.Settings) []Target {
	targets := make([]Target, 0, len(s.WorldsToBackup)+1)
	for _, w := range s.WorldsToBackup {
		targets = append(targets, Target{
			Name:       w,
			SourcePath: filepath.Join(s.GameDir, w),
			TypeTag:    worldTypePrefix + w,
		})
	}
	if s.BackupMods {
		targets = append(targets, Target{
			Name:       modsDirName,
			SourcePath: filepath.Join(s.GameDir, modsDirName),
			TypeTag:    ModsTypeTag,
		})
	}
	return targets
}

// Artifact is one produced archive. RemoteID is empty until uploaded.
type Artifact struct {
	LocalPath string
	RemoteID  string
	CreatedAt time.Time
	SizeBytes int64
	TypeTag   string
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeSkipped
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Outcome is the result of backing up one target.
type Outcome struct {
	Target   Target
	Kind     OutcomeKind
	Reason   string
	Err      error
	Artifact Artifact
	// Warning is set when the archive was uploaded but retention failed.
	Warning  string
	Duration time.Duration
}

func skipped(t Target, err error) Outcome {
	return Outcome{Target: t, Kind: OutcomeSkipped, Reason: err.Error(), Err: err}
}

func failed(t Target, a Artifact, err error) Outcome {
	return Outcome{Target: t, Kind: OutcomeFailed, Reason: err.Error(), Err: err, Artifact: a}
}

func succeeded(t Target, a Artifact) Outcome {
	return Outcome{Target: t, Kind: OutcomeSuccess, Artifact: a}
}
