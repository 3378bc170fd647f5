package scans

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxErrorMessageLen bounds error text lifted out of artifacts.
const MaxErrorMessageLen = 2000

// ArtifactRecord is the normalized form of one processed artifact file.
type ArtifactRecord struct {
	PluginName    string
	Disposition   Disposition
	FindingsCount int
	ErrorMessage  string
}

// ParseProcessedArtifact normalizes a processed plugin artifact. The scanner
// is an external process, so the document shape is never trusted: findings may
// be an object wrapping a results list, a bare list, or anything else (counts
// as zero). fallbackName is used when the document carries no plugin_name.
func ParseProcessedArtifact(data []byte, fallbackName string) (ArtifactRecord, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return ArtifactRecord{}, fmt.Errorf("parse processed artifact: %w", err)
	}

	rec := ArtifactRecord{
		PluginName:  fallbackName,
		Disposition: DispositionUnknown,
	}
	if name, ok := doc["plugin_name"].(string); ok && strings.TrimSpace(name) != "" {
		rec.PluginName = strings.TrimSpace(name)
	}
	if disp, ok := doc["disposition"].(string); ok {
		switch Disposition(disp) {
		case DispositionSuccess, DispositionFail, DispositionSkipped:
			rec.Disposition = Disposition(disp)
		}
	}
	rec.FindingsCount = countFindings(doc["findings"])

	// Error text is only meaningful on failed plugins.
	if rec.Disposition == DispositionFail {
		rec.ErrorMessage = probeErrorMessage(doc)
	}
	return rec, nil
}

func countFindings(v any) int {
	switch f := v.(type) {
	case map[string]any:
		if results, ok := f["results"].([]any); ok {
			return len(results)
		}
		return 0
	case []any:
		return len(f)
	default:
		return 0
	}
}

// probeErrorMessage tries a fixed priority order of error-bearing fields.
// The order is a contract: error, message, error_message, findings.error,
// findings.message, details, reason. First non-empty match wins.
func probeErrorMessage(doc map[string]any) string {
	candidates := []any{
		doc["error"],
		doc["message"],
		doc["error_message"],
	}
	if findings, ok := doc["findings"].(map[string]any); ok {
		candidates = append(candidates, findings["error"], findings["message"])
	}
	candidates = append(candidates, doc["details"], doc["reason"])

	for _, c := range candidates {
		if msg, ok := c.(string); ok && strings.TrimSpace(msg) != "" {
			return TruncateError(msg)
		}
	}
	return ""
}

// TruncateError bounds error text kept verbatim from external output.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorMessageLen {
		return msg[:MaxErrorMessageLen]
	}
	return msg
}
