package kast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
)

// Runner shells out to the kast CLI. One Runner serves all workers; the
// catalog cache is the only shared state.
type Runner struct {
	CLIPath string

	mu         sync.Mutex
	catalog    []domain.PluginInfo
	catalogAt  time.Time
	catalogTTL time.Duration
}

func NewRunner(cliPath string) *Runner {
	if cliPath == "" {
		cliPath = "kast"
	}
	return &Runner{CLIPath: cliPath, catalogTTL: 5 * time.Minute}
}

// Run invokes one scan. The context carries cancellation from the server;
// req.Timeout bounds the scan itself. Exit codes are reported, not mapped:
// the caller decides what a nonzero exit means.
func (r *Runner) Run(ctx context.Context, req domain.RunRequest) (domain.RunResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, r.CLIPath, buildArgs(req)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := domain.RunResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("kast run: %w", domain.ErrTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("kast run: %w", err)
	}
	return res, nil
}

// buildArgs maps a request onto the CLI flags kast expects.
func buildArgs(req domain.RunRequest) []string {
	args := []string{"-t", req.Target, "-m", string(req.Mode)}
	if len(req.Plugins) > 0 {
		args = append(args, "--run-only", strings.Join(req.Plugins, ","))
	}
	if req.Parallel {
		args = append(args, "-p")
		if req.MaxWorkers > 0 {
			args = append(args, "--max-workers", strconv.Itoa(req.MaxWorkers))
		}
	}
	if req.Verbose {
		args = append(args, "-v")
	}
	if req.DryRun {
		args = append(args, "--dry-run")
	}
	if req.ConfigPath != "" {
		args = append(args, "--config", req.ConfigPath)
	}
	for _, ov := range req.Overrides {
		args = append(args, "--set", ov)
	}
	args = append(args, "-o", req.OutputDir)
	return args
}

// pluginLine matches entries like:
//
//	✓ sslscan (priority: 1, type: passive)
var pluginLine = regexp.MustCompile(`^[✓✗]\s+(\S+)\s+\(priority:\s*(\d+),\s*type:\s*(\w+)\)`)

// ListPlugins runs `kast --list-plugins` and parses the catalog, cached for a
// short TTL since the installed plugin set only changes on deploy.
func (r *Runner) ListPlugins(ctx context.Context) ([]domain.PluginInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog != nil && time.Since(r.catalogAt) < r.catalogTTL {
		return r.catalog, nil
	}

	cmd := exec.CommandContext(ctx, r.CLIPath, "--list-plugins")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("kast --list-plugins: %w", err)
	}
	plugins := parsePluginList(stdout.String())

	r.catalog = plugins
	r.catalogAt = time.Now()
	return plugins, nil
}

// parsePluginList reads the two-line-per-plugin listing: a header line with
// name, priority and type, then an indented description line.
func parsePluginList(out string) []domain.PluginInfo {
	var plugins []domain.PluginInfo
	var last *domain.PluginInfo
	for _, line := range strings.Split(out, "\n") {
		if m := pluginLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			prio, _ := strconv.Atoi(m[2])
			mode, ok := domain.ParseMode(m[3])
			if !ok {
				mode = domain.ModePassive
			}
			plugins = append(plugins, domain.PluginInfo{Name: m[1], Priority: prio, Type: mode})
			last = &plugins[len(plugins)-1]
			continue
		}
		if last != nil && last.Description == "" {
			if desc := strings.TrimSpace(line); desc != "" {
				last.Description = desc
			}
		}
	}
	return plugins
}
