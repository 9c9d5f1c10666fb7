// -----------------------------------------------------------------------
// Job - browser automation work unit and its lifecycle
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a job.
//
// Lifecycle:
//
//	queued -> running -> {succeeded | failed | timed_out | cancelled}
//	queued -> cancelled
//
// Terminal states are never left once written.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning:
		return true
	}
	return s.IsTerminal()
}

// CanTransition reports whether from -> to is an edge of the job state machine
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to.IsTerminal()
	}
	return false
}

// ActionType names a single browser step
type ActionType string

const (
	ActionNavigate    ActionType = "navigate"
	ActionClick       ActionType = "click"
	ActionFill        ActionType = "fill"
	ActionWaitVisible ActionType = "wait_visible"
	ActionSleep       ActionType = "sleep"
	ActionEvaluate    ActionType = "evaluate"
	ActionExtract     ActionType = "extract"
	ActionScreenshot  ActionType = "screenshot"
)

// Extract formats
const (
	ExtractFormatText     = "text"
	ExtractFormatHTML     = "html"
	ExtractFormatMarkdown = "markdown"
)

// RedactedValue replaces sensitive action values in API-facing views
const RedactedValue = "***"

// Action is one step of a job payload
type Action struct {
	Type      ActionType `json:"type" toml:"type" yaml:"type" validate:"required,oneof=navigate click fill wait_visible sleep evaluate extract screenshot"`
	URL       string     `json:"url,omitempty" toml:"url" yaml:"url" validate:"required_if=Type navigate,omitempty,url"`
	Selector  string     `json:"selector,omitempty" toml:"selector" yaml:"selector" validate:"required_if=Type click,required_if=Type fill,required_if=Type wait_visible"`
	Value     string     `json:"value,omitempty" toml:"value" yaml:"value"`
	Script    string     `json:"script,omitempty" toml:"script" yaml:"script" validate:"required_if=Type evaluate"`
	Format    string     `json:"format,omitempty" toml:"format" yaml:"format" validate:"omitempty,oneof=text html markdown"`
	Duration  string     `json:"duration,omitempty" toml:"duration" yaml:"duration"` // sleep length, Go duration syntax
	Sensitive bool       `json:"sensitive,omitempty" toml:"sensitive" yaml:"sensitive"`
}

// JobPayload describes the browser work. URL is an implicit first navigate and
// Script an implicit final evaluate.
type JobPayload struct {
	URL     string   `json:"url,omitempty" toml:"url" yaml:"url" validate:"omitempty,url"`
	Script  string   `json:"script,omitempty" toml:"script" yaml:"script"`
	Actions []Action `json:"actions,omitempty" toml:"actions" yaml:"actions" validate:"omitempty,dive"`
}

// Steps expands the payload into the ordered list of actions to run
func (p JobPayload) Steps() []Action {
	steps := make([]Action, 0, len(p.Actions)+2)
	if p.URL != "" {
		steps = append(steps, Action{Type: ActionNavigate, URL: p.URL})
	}
	steps = append(steps, p.Actions...)
	if p.Script != "" {
		steps = append(steps, Action{Type: ActionEvaluate, Script: p.Script})
	}
	return steps
}

// IsEmpty reports whether the payload has nothing to run
func (p JobPayload) IsEmpty() bool {
	return p.URL == "" && p.Script == "" && len(p.Actions) == 0
}

// Redacted returns a copy with sensitive values masked
func (p JobPayload) Redacted() JobPayload {
	out := p
	if len(p.Actions) > 0 {
		out.Actions = make([]Action, len(p.Actions))
		for i, a := range p.Actions {
			if a.Sensitive && a.Value != "" {
				a.Value = RedactedValue
			}
			out.Actions[i] = a
		}
	}
	return out
}

// ActionOutput is the captured output of one action
type ActionOutput struct {
	Index  int             `json:"index"`
	Type   ActionType      `json:"type"`
	Value  string          `json:"value,omitempty"`  // extract text/html/markdown
	JSON   json.RawMessage `json:"json,omitempty"`   // evaluate result
	Binary []byte          `json:"binary,omitempty"` // screenshot PNG/JPEG
}

// JobResult is the opaque result of a successful job
type JobResult struct {
	FinalURL string         `json:"final_url,omitempty"`
	Title    string         `json:"title,omitempty"`
	Outputs  []ActionOutput `json:"outputs,omitempty"`
}

// JobError is the error recorded on a Failed/TimedOut/Cancelled job
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is the persisted record of a job
type Job struct {
	ID           string        `json:"id" badgerhold:"key"`
	SessionID    string        `json:"session_id,omitempty" badgerhold:"index"`
	Owner        string        `json:"owner,omitempty" badgerhold:"index"`
	Payload      JobPayload    `json:"payload"`
	Status       JobStatus     `json:"status" badgerhold:"index"`
	Result       *JobResult    `json:"result,omitempty"`
	Error        *JobError     `json:"error,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	MaxAttempts  int           `json:"max_attempts"`
	AttemptCount int           `json:"attempt_count"`
	LastError    *JobError     `json:"last_error,omitempty"` // error of the most recent retried attempt
	Template     string        `json:"template,omitempty"`   // recurring template that submitted the job
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Clone returns a deep-enough copy for handing records across goroutines
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload.Actions = append([]Action(nil), j.Payload.Actions...)
	if j.Result != nil {
		r := *j.Result
		r.Outputs = append([]ActionOutput(nil), j.Result.Outputs...)
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Redacted returns a copy safe for API responses
func (j *Job) Redacted() *Job {
	c := j.Clone()
	if c != nil {
		c.Payload = c.Payload.Redacted()
	}
	return c
}

// JobUpdate carries the fields applied together with a status transition.
// Zero values mean "leave unchanged".
type JobUpdate struct {
	Result       *JobResult
	Error        *JobError
	AttemptCount int
	At           time.Time // transition timestamp; defaults to now
}

// JobTransition is one append-only entry of a job's status history
type JobTransition struct {
	ID      string    `json:"id" badgerhold:"key"` // <job_id>:<seq>
	JobID   string    `json:"job_id" badgerhold:"index"`
	Seq     int       `json:"seq"`
	From    JobStatus `json:"from"`
	To      JobStatus `json:"to"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

// JobFilter selects jobs for List
type JobFilter struct {
	Status    JobStatus
	SessionID string
	Owner     string
	Limit     int
	Offset    int
	Newest    bool // newest first; default is submission order
}
