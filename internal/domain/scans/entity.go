package scans

import (
	"strings"
	"time"
)

// ID tipe untuk Scan
type ScanID string

// Mode enum
type Mode string

const (
	ModePassive Mode = "passive"
	ModeActive  Mode = "active"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePassive:
		return ModePassive, true
	case ModeActive:
		return ModeActive, true
	}
	return "", false
}

// Status enum. Transitions only move forward:
// pending -> running -> completed|failed. Terminal rows never move again;
// a re-run creates a fresh Scan instead.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Disposition is the per-plugin outcome reported in a processed artifact.
type Disposition string

const (
	DispositionSuccess Disposition = "success"
	DispositionFail    Disposition = "fail"
	DispositionSkipped Disposition = "skipped"
	DispositionUnknown Disposition = "unknown"
)

// Aggregate Root: Scan
type Scan struct {
	ID           ScanID     `json:"id"`
	UserID       int64      `json:"user_id"`
	Target       string     `json:"target"`
	Mode         Mode       `json:"scan_mode"`
	Plugins      string     `json:"-"` // comma-separated, empty = all
	Parallel     bool       `json:"parallel"`
	Verbose      bool       `json:"verbose"`
	DryRun       bool       `json:"dry_run"`
	MaxWorkers   int        `json:"max_workers,omitempty"`
	Status       Status     `json:"status"`
	OutputDir    string     `json:"output_dir,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ProfileID    *int64     `json:"config_profile_id,omitempty"`
	Overrides    string     `json:"config_overrides,omitempty"`
	LogoID       *int64     `json:"logo_id,omitempty"`
	ArtifactURL  string     `json:"artifact_url,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// PluginList splits the stored CSV into plugin names. Empty means "all".
func (s *Scan) PluginList() []string {
	if strings.TrimSpace(s.Plugins) == "" {
		return nil
	}
	parts := strings.Split(s.Plugins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Duration in seconds, nil while the scan has not finished.
func (s *Scan) Duration() *float64 {
	if s.CompletedAt == nil || s.StartedAt.IsZero() {
		return nil
	}
	d := s.CompletedAt.Sub(s.StartedAt).Seconds()
	return &d
}

// ScanResult is one plugin's outcome inside a scan. At most one row per
// (scan, plugin); it mirrors what the plugin wrote to disk and is refreshed
// from the output directory, never authored independently.
type ScanResult struct {
	ID                  int64       `json:"id"`
	ScanID              ScanID      `json:"scan_id"`
	PluginName          string      `json:"plugin_name"`
	Disposition         Disposition `json:"status"`
	FindingsCount       int         `json:"findings_count"`
	RawOutputPath       string      `json:"raw_output_path,omitempty"`
	ProcessedOutputPath string      `json:"processed_output_path,omitempty"`
	ErrorMessage        string      `json:"error_message,omitempty"`
	ExecutedAt          time.Time   `json:"executed_at"`
}

// PluginInfo describes one entry of the scanner's plugin catalog.
type PluginInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        Mode   `json:"type"`
	Priority    int    `json:"priority"`
}
