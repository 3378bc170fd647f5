package scans

import "time"

// RunRequest untuk Runner
type RunRequest struct {
	Target     string
	Mode       Mode
	Plugins    []string // empty = all
	Parallel   bool
	MaxWorkers int
	Verbose    bool
	DryRun     bool
	ConfigPath string   // resolved profile written to disk, optional
	Overrides  []string // key=value pairs passed through to the CLI
	OutputDir  string
	Timeout    time.Duration // wall-clock bound; 0 = no bound
}

// RunResult hasil dari Runner
type RunResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64
}
