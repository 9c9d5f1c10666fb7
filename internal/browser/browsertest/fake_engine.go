// Package browsertest provides an in-memory BrowserEngine for tests.
//
// The engine interprets evaluate scripts as commands:
//
//	sleep <duration>     wait, honouring cancellation
//	hang                 block until the job context ends
//	wedge                block until the browser context is closed (ignores cancellation)
//	fail <message>       engine-reported error, context stays usable
//	crash                the browser context dies
//	cookie <name>=<val>  set a cookie in the context
//
// Any other script evaluates to its own text as a JSON string.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

// Context is a fake browser context
type Context struct {
	id      string
	mu      sync.Mutex
	cookies map[string]string
	dead    bool
	closed  chan struct{}
}

func (c *Context) ID() string { return c.id }

// Cookies returns a copy of the context's cookies
func (c *Context) Cookies() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.cookies))
	for k, v := range c.cookies {
		out[k] = v
	}
	return out
}

// Engine is a deterministic interfaces.BrowserEngine
type Engine struct {
	mu          sync.Mutex
	nextID      int
	live        map[string]*Context
	maxLive     int
	opens       int
	closes      int
	failOpens   int
	failAll     bool
	executing   int
	maxExecute  int
	executions  []Execution
	openDelay   time.Duration
	resetErrors int
	resetHangs  int
	snapErrors  int
	closeDelay  time.Duration
}

// Execution records one Execute call
type Execution struct {
	ContextID string
	URL       string
	Start     time.Time
	End       time.Time
	Err       error
}

// NewEngine creates a fake engine
func NewEngine() *Engine {
	return &Engine{live: make(map[string]*Context)}
}

// FailOpens makes the next n OpenContext calls fail
func (e *Engine) FailOpens(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOpens = n
}

// FailAllOpens makes every OpenContext call fail while set
func (e *Engine) FailAllOpens(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failAll = fail
}

// SetOpenDelay slows down OpenContext
func (e *Engine) SetOpenDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openDelay = d
}

// FailResets makes the next n Reset calls report a crashed context
func (e *Engine) FailResets(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetErrors = n
}

// HangResets makes the next n Reset calls block until the context is closed,
// ignoring their ctx like a wedged browser would
func (e *Engine) HangResets(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetHangs = n
}

// SetCloseDelay slows down Close; the context counts as live until it returns
func (e *Engine) SetCloseDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeDelay = d
}

// FailSnapshots makes the next n Snapshot calls fail
func (e *Engine) FailSnapshots(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapErrors = n
}

// Stats returns open/close counters and the high-water marks of live contexts
// and concurrent executions
func (e *Engine) Stats() (opens, closes, maxLive, maxExecuting int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens, e.closes, e.maxLive, e.maxExecute
}

// Live returns the number of open contexts
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Executions returns the recorded Execute calls
func (e *Engine) Executions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Execution(nil), e.executions...)
}

func (e *Engine) OpenContext(ctx context.Context, initialState []byte) (interfaces.BrowserContext, error) {
	e.mu.Lock()
	delay := e.openDelay
	fail := e.failAll
	if e.failOpens > 0 {
		e.failOpens--
		fail = true
	}
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("fake: browser failed to start")
	}

	e.mu.Lock()
	e.nextID++
	e.opens++
	c := &Context{
		id:      fmt.Sprintf("fake-%d", e.nextID),
		cookies: map[string]string{},
		closed:  make(chan struct{}),
	}
	e.live[c.id] = c
	if len(e.live) > e.maxLive {
		e.maxLive = len(e.live)
	}
	e.mu.Unlock()

	if len(initialState) > 0 {
		if err := e.Reset(ctx, c, initialState); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (e *Engine) context(h interfaces.BrowserContext) (*Context, error) {
	c, ok := h.(*Context)
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: unknown handle", models.ErrContextCrashed)
	}
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return nil, fmt.Errorf("%w: context %s is dead", models.ErrContextCrashed, c.id)
	}
	return c, nil
}

func (e *Engine) Reset(ctx context.Context, h interfaces.BrowserContext, state []byte) error {
	c, err := e.context(h)
	if err != nil {
		return err
	}

	e.mu.Lock()
	failReset := e.resetErrors > 0
	if failReset {
		e.resetErrors--
	}
	hang := e.resetHangs > 0
	if hang {
		e.resetHangs--
	}
	e.mu.Unlock()
	if hang {
		<-c.closed
		return fmt.Errorf("%w: context closed during reset", models.ErrContextCrashed)
	}
	if failReset {
		return fmt.Errorf("%w: fake reset failure", models.ErrContextCrashed)
	}

	decoded, err := models.DecodeBrowserState(state)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cookies = map[string]string{}
	for _, cookie := range decoded.Cookies {
		c.cookies[cookie.Name] = cookie.Value
	}
	c.mu.Unlock()
	return nil
}

func (e *Engine) Execute(ctx context.Context, h interfaces.BrowserContext, payload models.JobPayload) (*models.JobResult, error) {
	c, err := e.context(h)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.executing++
	if e.executing > e.maxExecute {
		e.maxExecute = e.executing
	}
	e.mu.Unlock()

	record := Execution{ContextID: c.id, URL: payload.URL, Start: time.Now()}
	result, err := e.execute(ctx, c, payload)
	record.End = time.Now()
	record.Err = err

	e.mu.Lock()
	e.executing--
	e.executions = append(e.executions, record)
	e.mu.Unlock()

	return result, err
}

func (e *Engine) execute(ctx context.Context, c *Context, payload models.JobPayload) (*models.JobResult, error) {
	result := &models.JobResult{}
	for i, step := range payload.Steps() {
		switch step.Type {
		case models.ActionNavigate:
			result.FinalURL = step.URL
			result.Title = "Fake " + step.URL
		case models.ActionEvaluate:
			out, err := e.command(ctx, c, i, step.Script)
			if err != nil {
				return nil, err
			}
			if out != nil {
				result.Outputs = append(result.Outputs, models.ActionOutput{Index: i, Type: step.Type, JSON: out})
			}
		case models.ActionExtract:
			result.Outputs = append(result.Outputs, models.ActionOutput{Index: i, Type: step.Type, Value: "text of " + step.Selector})
		case models.ActionScreenshot:
			result.Outputs = append(result.Outputs, models.ActionOutput{Index: i, Type: step.Type, Binary: []byte{0x89, 'P', 'N', 'G'}})
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return result, nil
}

func (e *Engine) command(ctx context.Context, c *Context, index int, script string) (json.RawMessage, error) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(script), " ")
	switch verb {
	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return nil, models.NewEngineError(index, models.ActionEvaluate, err)
		}
		select {
		case <-time.After(d):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	case "wedge":
		<-c.closed
		return nil, fmt.Errorf("%w: context closed", models.ErrContextCrashed)
	case "fail":
		return nil, models.NewEngineError(index, models.ActionEvaluate, errors.New(arg))
	case "crash":
		c.mu.Lock()
		c.dead = true
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: fake crash", models.ErrContextCrashed)
	case "cookie":
		name, value, _ := strings.Cut(arg, "=")
		c.mu.Lock()
		c.cookies[name] = value
		c.mu.Unlock()
		return nil, nil
	}
	out, _ := json.Marshal(script)
	return out, nil
}

func (e *Engine) Snapshot(ctx context.Context, h interfaces.BrowserContext) ([]byte, error) {
	c, err := e.context(h)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	failSnap := e.snapErrors > 0
	if failSnap {
		e.snapErrors--
	}
	e.mu.Unlock()
	if failSnap {
		return nil, errors.New("fake: snapshot failed")
	}
	cookies := c.Cookies()
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	state := models.BrowserState{Cookies: []models.Cookie{}}
	for _, name := range names {
		state.Cookies = append(state.Cookies, models.Cookie{Name: name, Value: cookies[name], Domain: "example.com", Path: "/"})
	}
	return state.Encode()
}

func (e *Engine) Close(h interfaces.BrowserContext) error {
	c, ok := h.(*Context)
	if !ok || c == nil {
		return nil
	}
	e.mu.Lock()
	delay := e.closeDelay
	e.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	e.mu.Lock()
	if _, live := e.live[c.id]; live {
		delete(e.live, c.id)
		e.closes++
		close(c.closed)
	}
	e.mu.Unlock()
	return nil
}

var _ interfaces.BrowserEngine = (*Engine)(nil)
