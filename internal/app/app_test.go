package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/browser/browsertest"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

func testConfig(t *testing.T, backend string) *common.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = filepath.Join(dir, "db")
	cfg.Storage.Sessions.Backend = backend
	cfg.Storage.Sessions.Dir = filepath.Join(dir, "sessions")
	cfg.Templates.Dir = filepath.Join(dir, "templates")
	cfg.Pool.Size = 2
	cfg.Pool.RestartBackoff = "5ms"
	cfg.Scheduler.RetryBackoff = "10ms"
	return cfg
}

func waitForStatus(t *testing.T, a *App, jobID string, status models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		got, err := a.Scheduler.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = got
		return got.Status == status
	}, 10*time.Second, 5*time.Millisecond)
	return job
}

func TestAppRunsJobsAcrossRestart(t *testing.T) {
	for _, backend := range []string{"badger", "filesystem"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)
			logger := arbor.NewLogger()
			ctx := context.Background()

			a, err := NewWithEngine(cfg, logger, browsertest.NewEngine())
			require.NoError(t, err)

			job, err := a.Scheduler.Submit(ctx, interfaces.SubmitRequest{
				Payload:   models.JobPayload{Script: "cookie sid=abc"},
				SessionID: "acct-1",
			})
			require.NoError(t, err)
			waitForStatus(t, a, job.ID, models.JobStatusSucceeded)
			require.NoError(t, a.Close())

			// Session state survives a restart of the whole app
			a, err = NewWithEngine(cfg, logger, browsertest.NewEngine())
			require.NoError(t, err)
			defer a.Close()

			session, err := a.StorageManager.SessionStorage().Load(ctx, "acct-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), session.Version)

			state, err := models.DecodeBrowserState(session.State)
			require.NoError(t, err)
			require.Len(t, state.Cookies, 1)
			assert.Equal(t, "abc", state.Cookies[0].Value)

			stored, err := a.Scheduler.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusSucceeded, stored.Status)
		})
	}
}

func TestAppRegistersTemplatesAndRetention(t *testing.T) {
	cfg := testConfig(t, "badger")
	cfg.Retention.Enabled = true
	cfg.Retention.MaxIdle = "1h"

	require.NoError(t, os.MkdirAll(cfg.Templates.Dir, 0755))
	template := "name = \"nightly\"\nschedule = \"0 2 * * *\"\nsession_id = \"acct-2\"\n[payload]\nurl = \"https://example.com/account\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Templates.Dir, "nightly.toml"), []byte(template), 0644))

	a, err := NewWithEngine(cfg, arbor.NewLogger(), browsertest.NewEngine())
	require.NoError(t, err)
	defer a.Close()

	statuses := a.CronService.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "nightly", statuses[0].Name)
	assert.Equal(t, "session-retention", statuses[1].Name)

	require.NoError(t, a.CronService.RunNow("nightly"))
	jobs, err := a.Scheduler.List(context.Background(), models.JobFilter{SessionID: "acct-2"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0].Template)
	waitForStatus(t, a, jobs[0].ID, models.JobStatusSucceeded)
}

func TestAppFailsWithoutBrowser(t *testing.T) {
	cfg := testConfig(t, "badger")
	engine := browsertest.NewEngine()
	engine.FailAllOpens(true)

	_, err := NewWithEngine(cfg, arbor.NewLogger(), engine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser pool")

	// Storage was released, so a second app can open the same database
	engine.FailAllOpens(false)
	a, err := NewWithEngine(cfg, arbor.NewLogger(), engine)
	require.NoError(t, err)
	require.NoError(t, a.Close())
}
