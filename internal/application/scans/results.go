package scans

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/middleware"
)

// ParseResults sweeps outputDir for processed artifacts and upserts one row
// per plugin. Idempotent: re-running over the same directory rewrites the
// same rows, it never duplicates them. A malformed file is logged and
// skipped; only repository failures abort the pass.
func (s *Service) ParseResults(ctx context.Context, id domain.ScanID, outputDir string) error {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		// Directory gone or unreadable: nothing to parse, not an error.
		log.Printf("scan %s: results dir unreadable: %v", id, err)
		return nil
	}
	var parsed uint64
	for _, e := range entries {
		stem, ok := strings.CutSuffix(e.Name(), "_processed.json")
		if !ok || e.IsDir() {
			continue
		}
		path := filepath.Join(outputDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("scan %s: reading %s: %v", id, e.Name(), err)
			continue
		}
		rec, err := domain.ParseProcessedArtifact(data, stem)
		if err != nil {
			log.Printf("scan %s: skipping malformed artifact %s: %v", id, e.Name(), err)
			continue
		}

		executedAt := s.Clock.Now()
		if info, ierr := e.Info(); ierr == nil {
			executedAt = info.ModTime()
		}
		rawPath := ""
		if fileExists(outputDir, rec.PluginName+".json") {
			rawPath = filepath.Join(outputDir, rec.PluginName+".json")
		}

		row := &domain.ScanResult{
			ScanID:              id,
			PluginName:          rec.PluginName,
			Disposition:         rec.Disposition,
			FindingsCount:       rec.FindingsCount,
			RawOutputPath:       rawPath,
			ProcessedOutputPath: path,
			ErrorMessage:        rec.ErrorMessage,
			ExecutedAt:          executedAt,
		}
		if err := s.Results.Upsert(ctx, row); err != nil {
			return err
		}
		parsed++
	}
	middleware.AddResultsParsed(parsed)
	return nil
}
