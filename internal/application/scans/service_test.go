package scans

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appprofiles "github.com/mercutioviz/kast-web/internal/application/profiles"
	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/shares"
	"github.com/mercutioviz/kast-web/internal/domain/users"
)

func TestSubmit_ViewerDenied(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	_, err := svc.Submit(context.Background(), testUser(users.RoleViewer), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestSubmit_Validation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	user := testUser(users.RoleUser)

	_, err := svc.Submit(context.Background(), user, SubmitRequest{Target: "  ", Mode: "passive"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "target", verr.Field)

	_, err = svc.Submit(context.Background(), user, SubmitRequest{Target: "example.com", Mode: "turbo"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "scan_mode", verr.Field)
}

func TestSubmit_ActiveModeNeedsElevation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "active",
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	id, err := svc.Submit(context.Background(), testUser(users.RolePowerUser), SubmitRequest{
		Target: "example.com", Mode: "active",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestSubmit_PassiveRejectsActiveOnlyPlugins(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target:  "example.com",
		Mode:    "passive",
		Plugins: []string{"sslscan", "sqlmap", "nikto"},
	})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "plugins", verr.Field)
	assert.ElementsMatch(t, []string{"sqlmap", "nikto"}, verr.Plugins)
}

func TestSubmit_ConfigAuthorizationFailsSynchronously(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	svc.Config = &fakeResolver{authorizeErr: fmt.Errorf("config overrides: %w", domain.ErrPermissionDenied)}

	_, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive", Overrides: "global.timeout=15",
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	// No row is created when validation fails.
	counts, _ := repo.CountByStatus(context.Background())
	assert.Zero(t, counts.Total)
}

func TestSubmit_RunsScanToCompletion(t *testing.T) {
	svc, repo, _, runner, _ := newTestService(t)
	user := testUser(users.RoleUser)

	id, err := svc.Submit(context.Background(), user, SubmitRequest{
		Target:   "example.com",
		Mode:     "passive",
		Plugins:  []string{"sslscan", "whois"},
		Parallel: true,
	})
	require.NoError(t, err)

	scan, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, scan.Status)
	assert.Equal(t, user.ID, scan.UserID)
	assert.NotNil(t, scan.CompletedAt)
	assert.DirExists(t, scan.OutputDir)
	assert.Contains(t, filepath.Base(scan.OutputDir), "example.com-")

	req := runner.lastRequest()
	assert.Equal(t, "example.com", req.Target)
	assert.Equal(t, domain.ModePassive, req.Mode)
	assert.Equal(t, []string{"sslscan", "whois"}, req.Plugins)
	assert.True(t, req.Parallel)
	assert.Equal(t, scan.OutputDir, req.OutputDir)
}

func TestExecute_NonZeroExitFailsWithStderr(t *testing.T) {
	svc, repo, _, runner, _ := newTestService(t)
	runner.hook = func(req domain.RunRequest) (domain.RunResult, error) {
		return domain.RunResult{ExitCode: 2, Stderr: "target unreachable\n"}, nil
	}

	id, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)

	scan, _ := repo.Get(context.Background(), id)
	assert.Equal(t, domain.StatusFailed, scan.Status)
	assert.Equal(t, "target unreachable", scan.ErrorMessage)
}

func TestExecute_NonZeroExitWithoutStderr(t *testing.T) {
	svc, repo, _, runner, _ := newTestService(t)
	runner.hook = func(req domain.RunRequest) (domain.RunResult, error) {
		return domain.RunResult{ExitCode: 1}, nil
	}

	id, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)

	scan, _ := repo.Get(context.Background(), id)
	assert.Equal(t, domain.StatusFailed, scan.Status)
	assert.Equal(t, "scan failed with no error message", scan.ErrorMessage)
}

func TestExecute_Timeout(t *testing.T) {
	svc, repo, _, runner, _ := newTestService(t)
	runner.hook = func(req domain.RunRequest) (domain.RunResult, error) {
		return domain.RunResult{}, fmt.Errorf("kast run: %w", domain.ErrTimeout)
	}

	id, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)

	scan, _ := repo.Get(context.Background(), id)
	assert.Equal(t, domain.StatusFailed, scan.Status)
	assert.Equal(t, "scan timed out after 1h0m0s", scan.ErrorMessage)
}

func TestExecute_WritesConfigFile(t *testing.T) {
	svc, _, _, runner, _ := newTestService(t)
	svc.Config = &fakeResolver{invocation: &appprofiles.Invocation{
		Params:     map[string]any{"global": map[string]any{"timeout": 15}},
		ConfigYAML: []byte("global:\n  timeout: 15\n"),
	}}

	_, err := svc.Submit(context.Background(), testUser(users.RolePowerUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)

	req := runner.lastRequest()
	require.NotEmpty(t, req.ConfigPath)
	data, err := os.ReadFile(req.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "global:\n  timeout: 15\n", string(data))
}

func TestExecute_ParsesResultsEvenOnFailure(t *testing.T) {
	svc, repo, results, runner, _ := newTestService(t)
	runner.hook = func(req domain.RunRequest) (domain.RunResult, error) {
		writeArtifact(req.OutputDir, "sslscan_processed.json",
			`{"plugin_name":"sslscan","disposition":"success","findings":[1,2]}`)
		return domain.RunResult{ExitCode: 3, Stderr: "died halfway"}, nil
	}

	id, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)

	scan, _ := repo.Get(context.Background(), id)
	assert.Equal(t, domain.StatusFailed, scan.Status)

	rows, err := results.ListByScan(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sslscan", rows[0].PluginName)
	assert.Equal(t, 2, rows[0].FindingsCount)
}

func TestExecute_ArchivesReport(t *testing.T) {
	svc, repo, _, runner, _ := newTestService(t)
	archive := &fakeArchive{}
	svc.Archive = archive
	runner.hook = func(req domain.RunRequest) (domain.RunResult, error) {
		writeArtifact(req.OutputDir, "kast_report.html", "<html></html>")
		return domain.RunResult{ExitCode: 0}, nil
	}

	id, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)

	scan, _ := repo.Get(context.Background(), id)
	assert.Equal(t, fmt.Sprintf("http://archive.local/%s/kast_report.html", id), scan.ArtifactURL)
	assert.Equal(t, []string{fmt.Sprintf("%s/kast_report.html", id)}, archive.uploads)
}

func TestExecute_ArchiveFailureDoesNotFailScan(t *testing.T) {
	svc, repo, _, runner, _ := newTestService(t)
	svc.Archive = &fakeArchive{err: errors.New("bucket down")}
	runner.hook = func(req domain.RunRequest) (domain.RunResult, error) {
		writeArtifact(req.OutputDir, "kast_report.html", "<html></html>")
		return domain.RunResult{ExitCode: 0}, nil
	}

	id, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)

	scan, _ := repo.Get(context.Background(), id)
	assert.Equal(t, domain.StatusCompleted, scan.Status)
	assert.Empty(t, scan.ArtifactURL)
}

func TestOutputDirCollisionAppendsScanID(t *testing.T) {
	svc, repo, _, _, clock := newTestService(t)

	// Occupy the timestamp-derived name before submitting.
	base := fmt.Sprintf("example.com-%s", clock.Now().Format("20060102-150405"))
	require.NoError(t, os.MkdirAll(filepath.Join(svc.ResultsDir, base), 0o755))

	id, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)

	scan, _ := repo.Get(context.Background(), id)
	assert.Equal(t, fmt.Sprintf("%s-%s", base, id), filepath.Base(scan.OutputDir))
}

func TestRerun_CreatesFreshScan(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	user := testUser(users.RoleUser)

	oldID, err := svc.Submit(context.Background(), user, SubmitRequest{
		Target: "example.com", Mode: "passive", Plugins: []string{"sslscan"},
	})
	require.NoError(t, err)
	old, _ := repo.Get(context.Background(), oldID)
	require.Equal(t, domain.StatusCompleted, old.Status)

	newID, err := svc.Rerun(context.Background(), oldID)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)

	fresh, err := repo.Get(context.Background(), newID)
	require.NoError(t, err)
	assert.Equal(t, old.Target, fresh.Target)
	assert.Equal(t, old.Plugins, fresh.Plugins)
	assert.Equal(t, old.UserID, fresh.UserID)
	assert.Equal(t, domain.StatusCompleted, fresh.Status)

	// Original row untouched.
	again, _ := repo.Get(context.Background(), oldID)
	assert.Equal(t, old.CompletedAt, again.CompletedAt)
}

func TestDelete_RunningScanRejected(t *testing.T) {
	svc, repo, _, _, clock := newTestService(t)

	scan := &domain.Scan{
		ID: "11111111-1111-1111-1111-111111111111", UserID: 7,
		Target: "example.com", Mode: domain.ModePassive,
		Status: domain.StatusPending, StartedAt: clock.Now(),
	}
	require.NoError(t, repo.Create(context.Background(), scan))
	require.NoError(t, repo.MarkRunning(context.Background(), scan.ID, "/tmp/x", clock.Now()))

	err := svc.Delete(context.Background(), scan.ID)
	assert.ErrorIs(t, err, domain.ErrScanRunning)
}

func TestDelete_CascadesResultsSharesAndDir(t *testing.T) {
	svc, repo, results, runner, _ := newTestService(t)
	sharesRepo := svc.Shares.(*fakeShareRepo)
	runner.hook = func(req domain.RunRequest) (domain.RunResult, error) {
		writeArtifact(req.OutputDir, "whois_processed.json", `{"disposition":"success"}`)
		return domain.RunResult{ExitCode: 0}, nil
	}

	id, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)
	scan, _ := repo.Get(context.Background(), id)

	uid := int64(99)
	require.NoError(t, sharesRepo.Create(context.Background(), &shares.ScanShare{
		ScanID: string(id), SharedWithUserID: &uid, Permission: shares.PermissionView,
	}))

	require.NoError(t, svc.Delete(context.Background(), id))

	_, err = repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	rows, _ := results.ListByScan(context.Background(), id)
	assert.Empty(t, rows)
	grants, _ := sharesRepo.ListByScan(context.Background(), string(id))
	assert.Empty(t, grants)
	assert.NoDirExists(t, scan.OutputDir)
}

func TestTransfer(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)

	id, err := svc.Submit(context.Background(), testUser(users.RoleUser), SubmitRequest{
		Target: "example.com", Mode: "passive",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Transfer(context.Background(), id, 42))
	scan, _ := repo.Get(context.Background(), id)
	assert.Equal(t, int64(42), scan.UserID)
}

func TestRecoverOrphans(t *testing.T) {
	svc, repo, _, _, clock := newTestService(t)

	running := &domain.Scan{
		ID: "22222222-2222-2222-2222-222222222222", UserID: 7,
		Target: "a.example", Mode: domain.ModePassive,
		Status: domain.StatusPending, StartedAt: clock.Now(),
	}
	require.NoError(t, repo.Create(context.Background(), running))
	require.NoError(t, repo.MarkRunning(context.Background(), running.ID, "/tmp/a", clock.Now()))

	doneAt := clock.Now()
	terminal := &domain.Scan{
		ID: "33333333-3333-3333-3333-333333333333", UserID: 7,
		Target: "b.example", Mode: domain.ModePassive,
		Status: domain.StatusCompleted, StartedAt: clock.Now(), CompletedAt: &doneAt,
	}
	require.NoError(t, repo.Create(context.Background(), terminal))

	n, err := svc.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recovered, _ := repo.Get(context.Background(), running.ID)
	assert.Equal(t, domain.StatusFailed, recovered.Status)
	assert.Contains(t, recovered.ErrorMessage, "scan process lost")

	untouched, _ := repo.Get(context.Background(), terminal.ID)
	assert.Equal(t, domain.StatusCompleted, untouched.Status)
}

func TestRequeuePending(t *testing.T) {
	svc, repo, _, runner, clock := newTestService(t)

	for _, id := range []domain.ScanID{
		"55555555-5555-5555-5555-555555555555",
		"66666666-6666-6666-6666-666666666666",
	} {
		require.NoError(t, repo.Create(context.Background(), &domain.Scan{
			ID: id, UserID: 7,
			Target: "a.example", Mode: domain.ModePassive,
			Status: domain.StatusPending, StartedAt: clock.Now(),
		}))
	}
	doneAt := clock.Now()
	terminal := &domain.Scan{
		ID: "77777777-7777-7777-7777-777777777777", UserID: 7,
		Target: "b.example", Mode: domain.ModePassive,
		Status: domain.StatusCompleted, StartedAt: clock.Now(), CompletedAt: &doneAt,
	}
	require.NoError(t, repo.Create(context.Background(), terminal))

	n, err := svc.RequeuePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, runner.reqs, 2)

	for _, id := range []domain.ScanID{
		"55555555-5555-5555-5555-555555555555",
		"66666666-6666-6666-6666-666666666666",
	} {
		s, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, s.Status)
	}
}

func writeArtifact(dir, name, content string) {
	_ = os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}
