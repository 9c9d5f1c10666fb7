package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
	"gopkg.in/yaml.v3"
)

// Template is a recurring job definition loaded from a TOML or YAML file
//
//	name = "refresh-login"
//	schedule = "*/30 * * * *"
//	session_id = "alice@example.com"
//	timeout = "2m"
//
//	[payload]
//	url = "https://example.com/account"
type Template struct {
	Name        string            `toml:"name" yaml:"name"`
	Description string            `toml:"description" yaml:"description"`
	Schedule    string            `toml:"schedule" yaml:"schedule"`
	Enabled     *bool             `toml:"enabled" yaml:"enabled"` // nil = enabled
	SessionID   string            `toml:"session_id" yaml:"session_id"`
	Owner       string            `toml:"owner" yaml:"owner"`
	Timeout     string            `toml:"timeout" yaml:"timeout"`
	MaxAttempts int               `toml:"max_attempts" yaml:"max_attempts"`
	Payload     models.JobPayload `toml:"payload" yaml:"payload"`
	File        string            `toml:"-" yaml:"-"`
}

// IsEnabled reports whether the template should be scheduled
func (t *Template) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Validate checks the fields the cron service depends on
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	if err := common.ValidateSchedule(t.Schedule); err != nil {
		return fmt.Errorf("template %s: %w", t.Name, err)
	}
	if t.Payload.IsEmpty() {
		return fmt.Errorf("template %s: payload has no url, script or actions", t.Name)
	}
	if t.Timeout != "" {
		if _, err := time.ParseDuration(t.Timeout); err != nil {
			return fmt.Errorf("template %s: invalid timeout %q: %w", t.Name, t.Timeout, err)
		}
	}
	return nil
}

// SubmitRequest builds the request submitted on each tick
func (t *Template) SubmitRequest() interfaces.SubmitRequest {
	req := interfaces.SubmitRequest{
		Payload:     t.Payload,
		SessionID:   t.SessionID,
		Owner:       t.Owner,
		MaxAttempts: t.MaxAttempts,
		Template:    t.Name,
	}
	if t.Timeout != "" {
		req.Timeout, _ = time.ParseDuration(t.Timeout)
	}
	return req
}

// ParseTemplate decodes a template by file extension
func ParseTemplate(name string, data []byte) (*Template, error) {
	tmpl := &Template{}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		if err := toml.Unmarshal(data, tmpl); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, tmpl); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported template file type: %s", name)
	}
	if tmpl.Name == "" {
		tmpl.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	tmpl.File = name
	return tmpl, tmpl.Validate()
}

// LoadTemplates reads every *.toml, *.yaml and *.yml file in dir. Invalid
// files are logged and skipped; a missing directory yields no templates.
func LoadTemplates(dir string, logger arbor.ILogger) ([]*Template, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug().Str("dir", dir).Msg("Job templates directory does not exist, skipping")
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read job templates directory: %w", err)
	}

	seen := make(map[string]string)
	var templates []*Template
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".toml", ".yaml", ".yml":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read job template file")
			continue
		}
		tmpl, err := ParseTemplate(path, data)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Invalid job template, skipping")
			continue
		}
		if other, dup := seen[tmpl.Name]; dup {
			logger.Warn().
				Str("name", tmpl.Name).
				Str("file", entry.Name()).
				Str("first_file", other).
				Msg("Duplicate job template name, skipping")
			continue
		}
		seen[tmpl.Name] = entry.Name()
		templates = append(templates, tmpl)
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	logger.Info().Int("count", len(templates)).Str("dir", dir).Msg("Job templates loaded")
	return templates, nil
}
