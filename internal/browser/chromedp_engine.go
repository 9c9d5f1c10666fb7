// -----------------------------------------------------------------------
// ChromeDP engine - one headless browser process per worker slot
// -----------------------------------------------------------------------

package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

// EngineConfig holds the allocator options for every browser process
type EngineConfig struct {
	Headless     bool
	NoSandbox    bool
	DisableGPU   bool
	UserAgent    string
	WindowWidth  int
	WindowHeight int
	ExecPath     string
}

// NewEngineConfig converts the [browser] section
func NewEngineConfig(cfg common.BrowserConfig) EngineConfig {
	return EngineConfig{
		Headless:     cfg.Headless,
		NoSandbox:    cfg.NoSandbox,
		DisableGPU:   cfg.DisableGPU,
		UserAgent:    cfg.UserAgent,
		WindowWidth:  cfg.WindowWidth,
		WindowHeight: cfg.WindowHeight,
		ExecPath:     cfg.ExecPath,
	}
}

// ChromeDPEngine implements interfaces.BrowserEngine on top of chromedp
type ChromeDPEngine struct {
	config EngineConfig
	logger arbor.ILogger
	nextID int64
}

// NewChromeDPEngine creates the engine; browsers are started by OpenContext
func NewChromeDPEngine(config EngineConfig, logger arbor.ILogger) *ChromeDPEngine {
	return &ChromeDPEngine{config: config, logger: logger}
}

type chromeContext struct {
	id              string
	ctx             context.Context // tab context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc

	mu       sync.Mutex
	state    *models.BrowserState // state loaded by the last Reset plus captured storage
	seededID page.ScriptIdentifier
}

func (c *chromeContext) ID() string { return c.id }

func (e *ChromeDPEngine) handle(h interfaces.BrowserContext) (*chromeContext, error) {
	c, ok := h.(*chromeContext)
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: not a chromedp context", models.ErrContextCrashed)
	}
	if c.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrContextCrashed, c.ctx.Err())
	}
	return c, nil
}

func (e *ChromeDPEngine) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.config.Headless),
		chromedp.Flag("disable-gpu", e.config.DisableGPU),
		chromedp.Flag("no-sandbox", e.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", false),
		chromedp.Flag("disable-backgrounding-occluded-windows", false),
		chromedp.Flag("disable-renderer-backgrounding", false),
	)
	if e.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.config.UserAgent))
	}
	if e.config.WindowWidth > 0 && e.config.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(e.config.WindowWidth, e.config.WindowHeight))
	}
	if e.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.config.ExecPath))
	}
	return opts
}

// OpenContext starts a browser process and verifies it is responsive
func (e *ChromeDPEngine) OpenContext(ctx context.Context, initialState []byte) (interfaces.BrowserContext, error) {
	startTime := time.Now()

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), e.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	c := &chromeContext{
		id:              fmt.Sprintf("chrome-%d", atomic.AddInt64(&e.nextID, 1)),
		ctx:             browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		state:           &models.BrowserState{},
	}

	// The first Run allocates the browser and must use the long-lived tab
	// context, so the startup bound is enforced from outside
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx, chromedp.Navigate("about:blank"))
	}()
	select {
	case err := <-started:
		if err != nil {
			e.Close(c)
			return nil, fmt.Errorf("browser failed startup test: %w", err)
		}
	case <-ctx.Done():
		e.Close(c)
		return nil, fmt.Errorf("browser startup: %w", ctx.Err())
	}

	var title string
	if err := e.run(ctx, c, chromedp.Title(&title), network.Enable()); err != nil {
		e.Close(c)
		return nil, fmt.Errorf("browser failed responsiveness test: %w", err)
	}

	if len(initialState) > 0 {
		if err := e.Reset(ctx, c, initialState); err != nil {
			e.Close(c)
			return nil, err
		}
	}

	e.logger.Debug().
		Str("context_id", c.id).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser context opened")
	return c, nil
}

// run executes actions on the tab, aborting when ctx ends
func (e *ChromeDPEngine) run(ctx context.Context, c *chromeContext, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Reset clears cookies and saved origin storage of the previous session and
// loads state into the context
func (e *ChromeDPEngine) Reset(ctx context.Context, h interfaces.BrowserContext, state []byte) error {
	c, err := e.handle(h)
	if err != nil {
		return err
	}

	next, err := models.DecodeBrowserState(state)
	if err != nil {
		return fmt.Errorf("invalid session state: %w", err)
	}

	c.mu.Lock()
	previous := c.state
	seededID := c.seededID
	c.mu.Unlock()

	actions := []chromedp.Action{
		chromedp.Navigate("about:blank"),
		network.ClearBrowserCookies(),
	}
	for _, o := range previous.Origins {
		actions = append(actions, storage.ClearDataForOrigin(o.Origin, "local_storage"))
	}
	if seededID != "" {
		actions = append(actions, page.RemoveScriptToEvaluateOnNewDocument(seededID))
	}
	if params := cookieParams(next.Cookies, time.Now()); len(params) > 0 {
		actions = append(actions, network.SetCookies(params))
	}

	script, err := seedScript(next.Origins)
	if err != nil {
		return err
	}
	var newSeedID page.ScriptIdentifier
	if script != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			id, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			newSeedID = id
			return err
		}))
	}

	if err := e.run(ctx, c, actions...); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: reset failed: %v", models.ErrContextCrashed, err)
	}

	c.mu.Lock()
	c.state = next
	c.seededID = newSeedID
	c.mu.Unlock()

	e.logger.Debug().
		Str("context_id", c.id).
		Int("cookies", len(next.Cookies)).
		Int("origins", len(next.Origins)).
		Msg("Browser context reset")
	return nil
}

func isContextGone(err error) bool {
	return errors.Is(err, chromedp.ErrInvalidContext) ||
		errors.Is(err, chromedp.ErrChannelClosed) ||
		errors.Is(err, chromedp.ErrInvalidTarget)
}

// Execute runs the payload steps in order. A failing step returns
// *models.EngineError unless the browser itself went away.
func (e *ChromeDPEngine) Execute(ctx context.Context, h interfaces.BrowserContext, payload models.JobPayload) (*models.JobResult, error) {
	c, err := e.handle(h)
	if err != nil {
		return nil, err
	}

	result := &models.JobResult{}
	for i, step := range payload.Steps() {
		output, err := e.step(ctx, c, i, step)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case c.ctx.Err() != nil || isContextGone(err):
				return nil, fmt.Errorf("%w: %v", models.ErrContextCrashed, err)
			}
			var engineErr *models.EngineError
			if errors.As(err, &engineErr) {
				return nil, engineErr
			}
			return nil, models.NewEngineError(i, step.Type, err)
		}
		if output != nil {
			result.Outputs = append(result.Outputs, *output)
		}
	}

	if err := e.run(ctx, c, chromedp.Location(&result.FinalURL), chromedp.Title(&result.Title)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", models.ErrContextCrashed, err)
	}

	e.captureStorage(ctx, c)
	return result, nil
}

func (e *ChromeDPEngine) step(ctx context.Context, c *chromeContext, index int, step models.Action) (*models.ActionOutput, error) {
	output := &models.ActionOutput{Index: index, Type: step.Type}

	switch step.Type {
	case models.ActionNavigate:
		// Storage of the page being left is kept before it goes out of reach
		e.captureStorage(ctx, c)
		return nil, e.run(ctx, c, chromedp.Navigate(step.URL))

	case models.ActionClick:
		return nil, e.run(ctx, c, chromedp.Click(step.Selector, chromedp.ByQuery))

	case models.ActionFill:
		return nil, e.run(ctx, c,
			chromedp.WaitVisible(step.Selector, chromedp.ByQuery),
			chromedp.Clear(step.Selector, chromedp.ByQuery),
			chromedp.SendKeys(step.Selector, step.Value, chromedp.ByQuery),
		)

	case models.ActionWaitVisible:
		return nil, e.run(ctx, c, chromedp.WaitVisible(step.Selector, chromedp.ByQuery))

	case models.ActionSleep:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return nil, models.NewEngineError(index, step.Type, fmt.Errorf("invalid duration %q", step.Duration))
		}
		select {
		case <-time.After(d):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case models.ActionEvaluate:
		raw, err := e.evaluate(ctx, c, step.Script)
		if err != nil {
			return nil, err
		}
		output.JSON = raw
		return output, nil

	case models.ActionExtract:
		value, err := e.extract(ctx, c, step)
		if err != nil {
			return nil, err
		}
		output.Value = value
		return output, nil

	case models.ActionScreenshot:
		var buf []byte
		var action chromedp.Action
		if step.Selector == "" {
			action = chromedp.FullScreenshot(&buf, 90)
		} else {
			action = chromedp.Screenshot(step.Selector, &buf, chromedp.ByQuery)
		}
		if err := e.run(ctx, c, action); err != nil {
			return nil, err
		}
		output.Binary = buf
		return output, nil
	}

	return nil, models.NewEngineError(index, step.Type, fmt.Errorf("unsupported action"))
}

// evaluate runs a script, awaiting promises, and returns the JSON value.
// A thrown exception is reported as an engine error.
func (e *ChromeDPEngine) evaluate(ctx context.Context, c *chromeContext, script string) (json.RawMessage, error) {
	var value json.RawMessage
	var exception string
	err := e.run(ctx, c, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, details, err := runtime.Evaluate(script).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if details != nil {
			exception = details.Text
			if details.Exception != nil && details.Exception.Description != "" {
				exception = details.Exception.Description
			}
			return nil
		}
		if obj != nil && len(obj.Value) > 0 {
			value = json.RawMessage(obj.Value)
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	if exception != "" {
		return nil, errors.New(exception)
	}
	return value, nil
}

func (e *ChromeDPEngine) extract(ctx context.Context, c *chromeContext, step models.Action) (string, error) {
	selector := step.Selector
	if selector == "" {
		selector = "html"
	}

	var html, location string
	if err := e.run(ctx, c,
		chromedp.OuterHTML(selector, &html, chromedp.ByQuery),
		chromedp.Location(&location),
	); err != nil {
		return "", err
	}

	switch step.Format {
	case models.ExtractFormatHTML:
		return html, nil

	case models.ExtractFormatMarkdown:
		domain := ""
		if u, err := url.Parse(location); err == nil && u.Host != "" {
			domain = u.Scheme + "://" + u.Host
		}
		converter := md.NewConverter(domain, true, nil)
		markdown, err := converter.ConvertString(html)
		if err != nil {
			return "", fmt.Errorf("failed to convert to markdown: %w", err)
		}
		return strings.TrimSpace(markdown), nil

	default:
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return "", fmt.Errorf("failed to parse html: %w", err)
		}
		doc.Find("script, style, noscript").Remove()
		return strings.Join(strings.Fields(doc.Text()), " "), nil
	}
}

// captureStorage folds the live page's localStorage into the context state.
// Failures are ignored: the page may be mid-navigation.
func (e *ChromeDPEngine) captureStorage(ctx context.Context, c *chromeContext) {
	var captured capturedStorage
	if err := e.run(ctx, c, chromedp.Evaluate(captureStorageScript, &captured)); err != nil {
		return
	}
	c.mu.Lock()
	mergeCaptured(c.state, captured)
	c.mu.Unlock()
}

// Snapshot serialises all cookies of the browser plus captured localStorage
func (e *ChromeDPEngine) Snapshot(ctx context.Context, h interfaces.BrowserContext) ([]byte, error) {
	c, err := e.handle(h)
	if err != nil {
		return nil, err
	}

	e.captureStorage(ctx, c)

	var cookies []*network.Cookie
	if err := e.run(ctx, c, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	})); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: snapshot failed: %v", models.ErrContextCrashed, err)
	}

	c.mu.Lock()
	snapshot := models.BrowserState{
		Cookies: fromNetworkCookies(cookies),
		Origins: append([]models.OriginStorage(nil), c.state.Origins...),
	}
	c.mu.Unlock()

	return snapshot.Encode()
}

// Close terminates the tab and its browser process
func (e *ChromeDPEngine) Close(h interfaces.BrowserContext) error {
	c, ok := h.(*chromeContext)
	if !ok || c == nil {
		return nil
	}
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocatorCancel != nil {
		c.allocatorCancel()
	}
	e.logger.Debug().Str("context_id", c.id).Msg("Browser context closed")
	return nil
}

var _ interfaces.BrowserEngine = (*ChromeDPEngine)(nil)
