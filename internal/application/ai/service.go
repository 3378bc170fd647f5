package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mercutioviz/kast-web/internal/application"
	"github.com/mercutioviz/kast-web/internal/domain/ai"
	"github.com/mercutioviz/kast-web/internal/domain/analyst"
	"github.com/mercutioviz/kast-web/internal/domain/scans"
)

// Service runs AI triage over a finished scan's processed artifacts and
// stores the verdict alongside the scan.
type Service struct {
	Client  ai.Client
	Repo    analyst.Repository
	Scans   scans.Repository
	Results scans.ResultRepository
	Clock   application.Clock
}

const maxFindingsBytes = 48 << 10 // keep prompts inside model context

// AnalyzeScan builds a findings digest for the scan and asks the AI client
// for a triage verdict. Only terminal scans can be analyzed.
func (s *Service) AnalyzeScan(ctx context.Context, id scans.ScanID) (*analyst.Analysis, error) {
	scan, err := s.Scans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scan.Status.Terminal() {
		return nil, scans.ErrScanRunning
	}
	digest, err := s.buildDigest(ctx, scan)
	if err != nil {
		return nil, err
	}
	verdict, err := s.Client.Analyze(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("ai analyze: %w", err)
	}
	a := &analyst.Analysis{
		ID:        analyst.AnalysisID(uuid.New().String()),
		ScanID:    string(id),
		Model:     s.Client.Model(),
		Result:    verdict,
		CreatedAt: s.Clock.Now(),
	}
	if err := s.Repo.Save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) ListAnalyses(ctx context.Context, id scans.ScanID, limit int) ([]*analyst.Analysis, error) {
	return s.Repo.ListByScan(ctx, string(id), limit)
}

// buildDigest summarizes per-plugin rows and inlines processed artifacts up
// to a byte budget, largest offenders dropped first by simple truncation.
func (s *Service) buildDigest(ctx context.Context, scan *scans.Scan) (string, error) {
	rows, err := s.Results.ListByScan(ctx, scan.ID)
	if err != nil {
		return "", err
	}
	type pluginDigest struct {
		Plugin        string          `json:"plugin"`
		Disposition   string          `json:"disposition"`
		FindingsCount int             `json:"findings_count"`
		Error         string          `json:"error,omitempty"`
		Findings      json.RawMessage `json:"findings,omitempty"`
	}
	digest := struct {
		Target      string         `json:"target"`
		Mode        string         `json:"scan_mode"`
		CompletedAt *time.Time     `json:"completed_at,omitempty"`
		Plugins     []pluginDigest `json:"plugins"`
	}{
		Target:      scan.Target,
		Mode:        string(scan.Mode),
		CompletedAt: scan.CompletedAt,
		Plugins:     make([]pluginDigest, 0, len(rows)),
	}

	budget := maxFindingsBytes
	for _, r := range rows {
		pd := pluginDigest{
			Plugin:        r.PluginName,
			Disposition:   string(r.Disposition),
			FindingsCount: r.FindingsCount,
			Error:         r.ErrorMessage,
		}
		if r.ProcessedOutputPath != "" && budget > 0 {
			if raw, rerr := os.ReadFile(filepath.Clean(r.ProcessedOutputPath)); rerr == nil && json.Valid(raw) && len(raw) <= budget {
				pd.Findings = json.RawMessage(raw)
				budget -= len(raw)
			}
		}
		digest.Plugins = append(digest.Plugins, pd)
	}
	out, err := json.Marshal(digest)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
