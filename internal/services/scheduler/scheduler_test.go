package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

type mockJobScheduler struct {
	mock.Mock
}

func (m *mockJobScheduler) Submit(ctx context.Context, req interfaces.SubmitRequest) (*models.Job, error) {
	args := m.Called(ctx, req)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *mockJobScheduler) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *mockJobScheduler) Get(ctx context.Context, jobID string) (*models.Job, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *mockJobScheduler) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	args := m.Called(ctx, filter)
	jobs, _ := args.Get(0).([]*models.Job)
	return jobs, args.Error(1)
}

// memorySessions is a map backed SessionStorage with settable timestamps
type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: map[string]*models.Session{}}
}

func (m *memorySessions) put(id string, lastUsed time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &models.Session{ID: id, Version: 1, LastUsedAt: lastUsed, CreatedAt: lastUsed}
}

func (m *memorySessions) Load(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *memorySessions) Save(ctx context.Context, id string, state []byte, expected uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current uint64
	if s, ok := m.sessions[id]; ok {
		current = s.Version
	}
	if current != expected {
		return 0, models.ErrVersionConflict
	}
	m.sessions[id] = &models.Session{ID: id, State: state, Version: current + 1, LastUsedAt: time.Now()}
	return current + 1, nil
}

func (m *memorySessions) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *memorySessions) List(ctx context.Context) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		c := *s
		c.State = nil
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memorySessions) Close() error { return nil }

func TestParseTemplate_TOMLAndYAML(t *testing.T) {
	tomlData := []byte(`
name = "refresh-login"
schedule = "*/30 * * * *"
session_id = "alice@example.com"
timeout = "2m"
max_attempts = 2

[payload]
url = "https://example.com/account"

[[payload.actions]]
type = "extract"
selector = "#balance"
format = "text"
`)
	tmpl, err := ParseTemplate("refresh.toml", tomlData)
	require.NoError(t, err)
	assert.Equal(t, "refresh-login", tmpl.Name)
	assert.True(t, tmpl.IsEnabled())

	req := tmpl.SubmitRequest()
	assert.Equal(t, "alice@example.com", req.SessionID)
	assert.Equal(t, 2*time.Minute, req.Timeout)
	assert.Equal(t, 2, req.MaxAttempts)
	assert.Equal(t, "refresh-login", req.Template)
	require.Len(t, req.Payload.Actions, 1)
	assert.Equal(t, models.ActionExtract, req.Payload.Actions[0].Type)

	yamlData := []byte(`
schedule: "0 * * * *"
enabled: false
payload:
  script: "document.title"
`)
	tmpl, err = ParseTemplate("/templates/hourly-title.yaml", yamlData)
	require.NoError(t, err)
	assert.Equal(t, "hourly-title", tmpl.Name, "name defaults to the file name")
	assert.False(t, tmpl.IsEnabled())
	assert.Equal(t, "document.title", tmpl.Payload.Script)
}

func TestParseTemplate_Invalid(t *testing.T) {
	_, err := ParseTemplate("bad.toml", []byte(`schedule = "not a cron"
[payload]
url = "https://example.com"`))
	assert.Error(t, err)

	_, err = ParseTemplate("empty.toml", []byte(`schedule = "* * * * *"`))
	assert.ErrorContains(t, err, "payload")

	_, err = ParseTemplate("timeout.yaml", []byte("schedule: \"* * * * *\"\ntimeout: soon\npayload:\n  url: https://example.com\n"))
	assert.ErrorContains(t, err, "timeout")

	_, err = ParseTemplate("job.json", []byte(`{}`))
	assert.ErrorContains(t, err, "unsupported")
}

func TestLoadTemplates_SkipsInvalidAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("a.toml", "name = \"alpha\"\nschedule = \"* * * * *\"\n[payload]\nurl = \"https://a.example\"\n")
	write("b.yml", "name: beta\nschedule: \"@hourly\"\npayload:\n  url: https://b.example\n")
	write("c.toml", "name = \"alpha\"\nschedule = \"* * * * *\"\n[payload]\nurl = \"https://c.example\"\n")
	write("broken.toml", "name = ")
	write("notes.txt", "ignored")

	templates, err := LoadTemplates(dir, arbor.NewLogger())
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "alpha", templates[0].Name)
	assert.Equal(t, "https://a.example", templates[0].Payload.URL)
	assert.Equal(t, "beta", templates[1].Name)

	missing, err := LoadTemplates(filepath.Join(dir, "missing"), arbor.NewLogger())
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestService_TemplateSubmitsAndSkipsWhileUnfinished(t *testing.T) {
	jobs := &mockJobScheduler{}
	service := NewService(jobs, newMemorySessions(), arbor.NewLogger())

	tmpl := &Template{
		Name:      "poll",
		Schedule:  "@every 1h",
		SessionID: "s1",
		Payload:   models.JobPayload{URL: "https://example.com"},
	}
	require.NoError(t, service.RegisterTemplate(tmpl))
	assert.Error(t, service.RegisterTemplate(tmpl), "duplicate names are rejected")

	jobs.On("Submit", mock.Anything, mock.MatchedBy(func(req interfaces.SubmitRequest) bool {
		return req.Template == "poll" && req.SessionID == "s1"
	})).Return(&models.Job{ID: "job_1", Status: models.JobStatusQueued}, nil).Once()
	require.NoError(t, service.RunNow("poll"))

	// Previous job still running: tick skipped without submitting
	jobs.On("Get", mock.Anything, "job_1").Return(&models.Job{ID: "job_1", Status: models.JobStatusRunning}, nil).Once()
	require.NoError(t, service.RunNow("poll"))

	// Previous job finished: next tick submits again
	jobs.On("Get", mock.Anything, "job_1").Return(&models.Job{ID: "job_1", Status: models.JobStatusSucceeded}, nil).Once()
	jobs.On("Submit", mock.Anything, mock.Anything).Return(&models.Job{ID: "job_2", Status: models.JobStatusQueued}, nil).Once()
	require.NoError(t, service.RunNow("poll"))

	jobs.AssertExpectations(t)
	jobs.AssertNumberOfCalls(t, "Submit", 2)

	statuses := service.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "job_2", statuses[0].LastJobID)
	assert.Empty(t, statuses[0].LastError)
	assert.NotNil(t, statuses[0].LastRun)

	assert.ErrorIs(t, service.RunNow("missing"), models.ErrNotFound)
}

func TestService_DisabledTemplateNotScheduled(t *testing.T) {
	service := NewService(&mockJobScheduler{}, newMemorySessions(), arbor.NewLogger())
	disabled := false
	require.NoError(t, service.RegisterTemplate(&Template{
		Name:     "off",
		Schedule: "* * * * *",
		Enabled:  &disabled,
		Payload:  models.JobPayload{URL: "https://example.com"},
	}))
	assert.Empty(t, service.Statuses())
}

func TestService_RetentionSweep(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	sessions := newMemorySessions()
	sessions.put("stale", now.Add(-48*time.Hour))
	sessions.put("fresh", now.Add(-time.Hour))

	service := NewService(&mockJobScheduler{}, sessions, arbor.NewLogger())
	service.now = func() time.Time { return now }

	assert.Error(t, service.RegisterRetention("@daily", 0))
	require.NoError(t, service.RegisterRetention("@daily", 24*time.Hour))
	require.NoError(t, service.RunNow(RetentionTask))

	_, err := sessions.Load(context.Background(), "stale")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = sessions.Load(context.Background(), "fresh")
	assert.NoError(t, err)

	require.NoError(t, service.Start())
	statuses := service.Statuses()
	require.Len(t, statuses, 1)
	assert.NotNil(t, statuses[0].NextRun)
	require.NoError(t, service.Stop())
}
