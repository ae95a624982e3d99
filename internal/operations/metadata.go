package operations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const ReportFilename = "last-run.json"

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerFinal    Trigger = "shutdown"
)

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// Report describes one run. The last one is kept next to the archives.
type Report struct {
	ID          string         `json:"id"`
	Trigger     Trigger        `json:"trigger"`
	Status      RunStatus      `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMs  int64          `json:"duration_ms"`
	Targets     []TargetReport `json:"targets"`

	Outcomes []Outcome `json:"-"`
}

// TargetReport is the persisted form of an Outcome.
type TargetReport struct {
	Name       string `json:"name"`
	TypeTag    string `json:"type"`
	Result     string `json:"result"`
	Reason     string `json:"reason,omitempty"`
	Warning    string `json:"warning,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	RemoteID   string `json:"remote_id,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	DurationMs int64  `json:"duration_ms"`
}

func newReport(trigger Trigger, now time.Time) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: now,
		Targets:   []TargetReport{},
	}
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	r.Targets = append(r.Targets, TargetReport{
		Name:       o.Target.Name,
		TypeTag:    o.Target.TypeTag,
		Result:     o.Kind.String(),
		Reason:     o.Reason,
		Warning:    o.Warning,
		FilePath:   o.Artifact.LocalPath,
		RemoteID:   o.Artifact.RemoteID,
		SizeBytes:  o.Artifact.SizeBytes,
		DurationMs: o.Duration.Milliseconds(),
	})
}

func (r *Report) finish(now time.Time) {
	r.CompletedAt = now
	r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
	if r.Status != "" {
		return
	}
	ok, _, bad := r.Counts()
	switch {
	case bad == 0:
		r.Status = RunCompleted
	case ok == 0:
		r.Status = RunFailed
	default:
		r.Status = RunPartial
	}
}

// Counts returns the number of succeeded, skipped and failed targets.
func (r *Report) Counts() (succeeded, skipped, failed int) {
	for _, o := range r.Outcomes {
		switch o.Kind {
		case OutcomeSuccess:
			succeeded++
		case OutcomeSkipped:
			skipped++
		case OutcomeFailed:
			failed++
		}
	}
	return succeeded, skipped, failed
}

// Summary is a one line, markup free status.
func (r *Report) Summary() string {
	ok, skip, bad := r.Counts()
	switch r.Status {
	case RunSkipped:
		return "Backup skipped: " + r.Reason
	case RunFailed:
		if r.Reason != "" {
			return "Backup failed: " + r.Reason
		}
		return fmt.Sprintf("Backup failed: %d of %d targets failed", bad, ok+skip+bad)
	case RunPartial:
		return fmt.Sprintf("Backup finished with errors: %d succeeded, %d failed, %d skipped", ok, bad, skip)
	default:
		return "Backup completed successfully!"
	}
}

// Write stores the report as ReportFilename in dirPath.
func (r *Report) Write(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return fmt.Errorf("ensure report directory %q: %w", dirPath, err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report JSON: %w", err)
	}

	filePath := filepath.Join(dirPath, ReportFilename)
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("replace report file %q: %w", filePath, err)
	}
	return nil
}

// LoadReport reads a report written by Write.
func LoadReport(filePath string) (*Report, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("couldn't open report file %q: %w", filePath, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report JSON: %w", err)
	}
	return &r, nil
}
