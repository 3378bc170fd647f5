package scans

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
)

// Per-plugin progress states as reported by the reconciler. These describe
// files on disk, not rows: a plugin can be "completed" here before its row
// lands in the results table.
const (
	UnitPending    = "pending"
	UnitInProgress = "in_progress"
	UnitCompleted  = "completed"
)

// PluginStatus is one plugin's reconciled progress within a scan.
type PluginStatus struct {
	PluginName    string  `json:"plugin_name"`
	Status        string  `json:"status"`
	Disposition   string  `json:"disposition,omitempty"`
	FindingsCount int     `json:"findings_count"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	ExecutedAt    *string `json:"executed_at,omitempty"`
}

// StatusReport is the merged DB+filesystem view of a scan.
type StatusReport struct {
	ScanID       domain.ScanID  `json:"scan_id"`
	Status       domain.Status  `json:"status"`
	Target       string         `json:"target"`
	Mode         domain.Mode    `json:"scan_mode"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Duration     *float64       `json:"duration_seconds,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Results      []PluginStatus `json:"results"`
	ResultsCount int            `json:"results_count"`
}

// Status reconciles a scan's DB row against its output directory. The scanner
// writes artifacts as it goes, so during a run the filesystem is ahead of the
// results table; this merges both without mutating either.
func (s *Service) Status(ctx context.Context, id domain.ScanID) (*StatusReport, error) {
	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	parsed := map[string]*domain.ScanResult{}
	rows, err := s.Results.ListByScan(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		parsed[r.PluginName] = r
	}

	candidates := s.candidatePlugins(ctx, scan)

	report := &StatusReport{
		ScanID:       scan.ID,
		Status:       scan.Status,
		Target:       scan.Target,
		Mode:         scan.Mode,
		StartedAt:    scan.StartedAt,
		CompletedAt:  scan.CompletedAt,
		Duration:     scan.Duration(),
		ErrorMessage: scan.ErrorMessage,
	}

	for _, name := range candidates {
		ps := PluginStatus{PluginName: name, Status: s.unitStatus(scan.OutputDir, name)}
		// Row data only means something once the processed file is there;
		// the filesystem is the ground truth for anything still in flight.
		if row, ok := parsed[name]; ok && ps.Status == UnitCompleted {
			ps.Disposition = string(row.Disposition)
			ps.FindingsCount = row.FindingsCount
			ps.ErrorMessage = row.ErrorMessage
			if !row.ExecutedAt.IsZero() {
				ts := row.ExecutedAt.UTC().Format(time.RFC3339)
				ps.ExecutedAt = &ts
			}
		}
		report.Results = append(report.Results, ps)
	}
	report.ResultsCount = len(report.Results)

	// A running scan may have fresh processed files the worker has not
	// persisted yet; sweep them in opportunistically, off this request.
	if scan.Status == domain.StatusRunning && scan.OutputDir != "" {
		go func(dir string) {
			pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.ParseResults(pctx, id, dir); err != nil {
				log.Printf("scan %s: opportunistic parse: %v", id, err)
			}
		}(scan.OutputDir)
	}
	return report, nil
}

// candidatePlugins decides which plugin names the report covers: the explicit
// selection when one was given, otherwise whatever the output directory shows.
// Discovery in passive mode drops active-only plugins, since a stale file from
// an earlier run in a reused directory must not suggest active work happened.
func (s *Service) candidatePlugins(ctx context.Context, scan *domain.Scan) []string {
	if selected := scan.PluginList(); len(selected) > 0 {
		return selected
	}
	discovered := discoverPlugins(scan.OutputDir)
	if scan.Mode != domain.ModePassive || len(discovered) == 0 {
		return discovered
	}
	catalog, err := s.Catalog.ListPlugins(ctx)
	if err != nil {
		log.Printf("scan %s: plugin catalog unavailable, discovery unfiltered: %v", scan.ID, err)
		return discovered
	}
	active := map[string]bool{}
	for _, p := range catalog {
		if p.Type == domain.ModeActive {
			active[p.Name] = true
		}
	}
	kept := discovered[:0]
	for _, name := range discovered {
		if !active[name] {
			kept = append(kept, name)
		}
	}
	return kept
}

// discoverPlugins infers plugin names from artifact files. Processed files
// always count; a bare name.json counts only when the stem is underscore-free,
// so helper files like scan_summary.json are not mistaken for plugins. The
// aggregate report is never a plugin.
func discoverPlugins(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || name == "kast_report.json" {
			continue
		}
		if stem, ok := strings.CutSuffix(name, "_processed.json"); ok {
			seen[stem] = true
			continue
		}
		stem := strings.TrimSuffix(name, ".json")
		if !strings.Contains(stem, "_") {
			seen[stem] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// unitStatus classifies one plugin from its files: processed output means
// done, raw output alone means the scanner is mid-plugin, neither means it
// has not started.
func (s *Service) unitStatus(dir, plugin string) string {
	if dir == "" {
		return UnitPending
	}
	if fileExists(dir, plugin+"_processed.json") {
		return UnitCompleted
	}
	if fileExists(dir, plugin+".json") {
		return UnitInProgress
	}
	return UnitPending
}

func fileExists(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && !info.IsDir()
}
