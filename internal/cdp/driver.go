// Package cdp drives a single Chromium instance over the Chrome DevTools
// Protocol via chromedp/cdproto: tab lifecycle, interactive-element
// snapshotting, and index-addressed user actions. The driver launches and
// owns its own Chromium process per run rather than attaching to a remote
// browser.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/tasker-core/core/internal/tkerr"
	"github.com/tasker-core/core/internal/tools/files"
	"github.com/tasker-core/core/pkg/models"
)

const (
	defaultActionTimeout  = 30 * time.Second
	implicitWait          = 2 * time.Second
	maxJSResultBytes      = 64 * 1024
	maxScreenshotLongEdge = 1280
)

// Config configures a single Driver instance.
type Config struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	WorkDir        string // per-run working directory for read_file/write_file
	ActionTimeout  time.Duration
}

// Tab tracks one open page target.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	target target.ID
}

// Driver owns exactly one Chromium process for the lifetime of a single
// run or recording session.
type Driver struct {
	mu sync.Mutex

	allocCtx    context.Context
	allocCancel context.CancelFunc

	tabs      []*Tab
	activeTab int

	lastSnapshot *models.ElementSnapshot
	resolver     files.Resolver
	actionTO     time.Duration
}

// Launch starts a new Chromium process with a blank start tab.
func Launch(ctx context.Context, cfg Config) (*Driver, error) {
	width := cfg.ViewportWidth
	if width <= 0 {
		width = 1280
	}
	height := cfg.ViewportHeight
	if height <= 0 {
		height = 800
	}
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(width, height),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(taskCtx, chromedp.Navigate("about:blank")); err != nil {
		taskCancel()
		allocCancel()
		return nil, tkerr.Wrap(tkerr.BrowserError, "launch chromium", err)
	}

	d := &Driver{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		resolver:    files.Resolver{Root: cfg.WorkDir},
		actionTO:    timeout,
	}
	d.tabs = append(d.tabs, &Tab{ctx: taskCtx, cancel: taskCancel, target: chromedp.FromContext(taskCtx).Target.TargetID})
	return d, nil
}

// Close tears down the Chromium process and all its tabs.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tabs {
		t.cancel()
	}
	d.allocCancel()
}

func (d *Driver) active() *Tab {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeTab >= len(d.tabs) {
		return d.tabs[0]
	}
	return d.tabs[d.activeTab]
}

func (d *Driver) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d.actionTO)
}

// Navigate loads url in the active tab and waits for the load event.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return classifyActionError(err)
	}
	d.settle(runCtx)
	return nil
}

// settle waits up to implicitWait after a navigation or mutating action for
// document.readyState to leave "loading". In-flight network requests are
// not tracked.
func (d *Driver) settle(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, implicitWait)
	defer cancel()
	for {
		var state string
		if err := chromedp.Run(waitCtx, chromedp.Evaluate(`document.readyState`, &state)); err != nil || state != "loading" {
			return
		}
		select {
		case <-waitCtx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Snapshot captures a screenshot and an indexed list of interactive
// elements. The returned snapshot becomes the addressing space for every
// subsequent index-based action until the next Snapshot call.
func (d *Driver) Snapshot(ctx context.Context) ([]byte, *models.ElementSnapshot, error) {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()

	var raw string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(captureElementsScript, &raw)); err != nil {
		return nil, nil, classifyActionError(err)
	}
	var snap models.ElementSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, nil, tkerr.Wrap(tkerr.BrowserError, "parse element snapshot", err)
	}

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, nil, classifyActionError(err)
	}
	png, err := downscalePNG(buf, maxScreenshotLongEdge)
	if err != nil {
		png = buf
	}

	d.mu.Lock()
	d.lastSnapshot = &snap
	d.mu.Unlock()
	return png, &snap, nil
}

func (d *Driver) elementRect(ctx context.Context, index int) (models.Rect, error) {
	d.mu.Lock()
	snap := d.lastSnapshot
	d.mu.Unlock()
	if snap == nil {
		return models.Rect{}, tkerr.New(tkerr.ElementStale, "no snapshot taken yet")
	}
	var raw *string
	script := fmt.Sprintf(elementRectScript, index)
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &raw)); err != nil {
		return models.Rect{}, classifyActionError(err)
	}
	if raw == nil {
		return models.Rect{}, tkerr.New(tkerr.ElementStale, fmt.Sprintf("index %d no longer resolves", index))
	}
	var rect models.Rect
	if err := json.Unmarshal([]byte(*raw), &rect); err != nil {
		return models.Rect{}, tkerr.Wrap(tkerr.BrowserError, "parse element rect", err)
	}
	if rect.Width <= 0 || rect.Height <= 0 {
		return models.Rect{}, tkerr.New(tkerr.ElementNotVisible, fmt.Sprintf("index %d has no visible rect", index))
	}
	return rect, nil
}

// Click locates the indexed element, scrolls it into view, and clicks its
// rect center via CDP input dispatch.
func (d *Driver) Click(ctx context.Context, index int) error {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()

	rect, err := d.elementRect(runCtx, index)
	if err != nil {
		return err
	}
	cx := rect.X + rect.Width/2
	cy := rect.Y + rect.Height/2
	if err := chromedp.Run(runCtx, chromedp.MouseClickXY(cx, cy)); err != nil {
		return classifyActionError(err)
	}
	d.settle(runCtx)
	return nil
}

// Type focuses the indexed element, optionally clears it, then dispatches
// key events for each code point of text.
func (d *Driver) Type(ctx context.Context, index int, text string, clearFirst bool) error {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()

	if _, err := d.elementRect(runCtx, index); err != nil {
		return err
	}
	sel := fmt.Sprintf(`[data-tasker-index="%d"]`, index)

	var actions []chromedp.Action
	if clearFirst {
		actions = append(actions, chromedp.SetAttributeValue(sel, "value", "", chromedp.ByQuery))
		actions = append(actions, chromedp.Evaluate(fmt.Sprintf(`document.querySelector('%s').value = ''`, sel), nil))
	}
	actions = append(actions, chromedp.Focus(sel, chromedp.ByQuery), chromedp.SendKeys(sel, text, chromedp.ByQuery))
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return classifyActionError(err)
	}
	d.settle(runCtx)
	return nil
}

// SelectDropdownOption sets a <select>'s value by matching visible text or
// the option value.
func (d *Driver) SelectDropdownOption(ctx context.Context, index int, option string) error {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()

	if _, err := d.elementRect(runCtx, index); err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector('[data-tasker-index="%d"]');
		if (!el) return false;
		let matched = false;
		for (const opt of el.options) {
			if (opt.value === %q || opt.text.trim() === %q) {
				el.value = opt.value;
				matched = true;
				break;
			}
		}
		if (matched) el.dispatchEvent(new Event('change', {bubbles: true}));
		return matched;
	})()`, index, option, option)
	var matched bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &matched)); err != nil {
		return classifyActionError(err)
	}
	if !matched {
		return tkerr.New(tkerr.InvalidInput, "no matching option: "+option)
	}
	return nil
}

// GetDropdownOptions returns the option list of an indexed <select>.
func (d *Driver) GetDropdownOptions(ctx context.Context, index int) ([]map[string]any, error) {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()

	script := fmt.Sprintf(`(() => {
		const el = document.querySelector('[data-tasker-index="%d"]');
		if (!el) return null;
		return JSON.stringify(Array.from(el.options).map(o => ({value: o.value, text: o.text, selected: o.selected})));
	})()`, index)
	var raw *string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &raw)); err != nil {
		return nil, classifyActionError(err)
	}
	if raw == nil {
		return nil, tkerr.New(tkerr.ElementStale, fmt.Sprintf("index %d is not a select", index))
	}
	var opts []map[string]any
	if err := json.Unmarshal([]byte(*raw), &opts); err != nil {
		return nil, tkerr.Wrap(tkerr.BrowserError, "parse dropdown options", err)
	}
	return opts, nil
}

// Scroll scrolls the page by amountPx in the given direction.
func (d *Driver) Scroll(ctx context.Context, direction string, amountPx int) error {
	if amountPx <= 0 {
		amountPx = 400
	}
	dx, dy := 0, amountPx
	switch direction {
	case "up":
		dy = -amountPx
	case "left":
		dx, dy = -amountPx, 0
	case "right":
		dx, dy = amountPx, 0
	}
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()
	script := fmt.Sprintf(`window.scrollBy(%d, %d)`, dx, dy)
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, nil)); err != nil {
		return classifyActionError(err)
	}
	return nil
}

// SendKeys dispatches a key chord such as "Control+Enter" to the page.
func (d *Driver) SendKeys(ctx context.Context, keys string) error {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.KeyEvent(keys)); err != nil {
		return classifyActionError(err)
	}
	return nil
}

// GoBack navigates the active tab one entry back in history.
func (d *Driver) GoBack(ctx context.Context) error {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.NavigateBack()); err != nil {
		return classifyActionError(err)
	}
	d.settle(runCtx)
	return nil
}

// Reload reloads the active tab.
func (d *Driver) Reload(ctx context.Context) error {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Reload()); err != nil {
		return classifyActionError(err)
	}
	d.settle(runCtx)
	return nil
}

// NewTab opens a new tab, optionally navigating to url, and makes it active.
func (d *Driver) NewTab(ctx context.Context, url string) (int, error) {
	taskCtx, cancel := chromedp.NewContext(d.allocCtx)
	if url == "" {
		url = "about:blank"
	}
	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		cancel()
		return 0, classifyActionError(err)
	}
	d.mu.Lock()
	d.tabs = append(d.tabs, &Tab{ctx: taskCtx, cancel: cancel, target: chromedp.FromContext(taskCtx).Target.TargetID})
	d.activeTab = len(d.tabs) - 1
	idx := d.activeTab
	d.mu.Unlock()
	return idx, nil
}

// CloseTab closes the active tab. The tab that moves into its index becomes
// active; when the closed tab was the last in the list, the new last tab
// does. Closing the last remaining tab is rejected; close the driver instead.
func (d *Driver) CloseTab(ctx context.Context) error {
	d.mu.Lock()
	if len(d.tabs) <= 1 {
		d.mu.Unlock()
		return tkerr.New(tkerr.InvalidInput, "cannot close the only remaining tab")
	}
	tab := d.tabs[d.activeTab]
	d.tabs = append(d.tabs[:d.activeTab], d.tabs[d.activeTab+1:]...)
	if d.activeTab >= len(d.tabs) {
		d.activeTab = len(d.tabs) - 1
	}
	d.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(tab.ctx, d.actionTO)
	defer cancel()
	_ = chromedp.Run(closeCtx, target.CloseTarget(tab.target))
	tab.cancel()
	return nil
}

// SwitchTab makes the tab at index active.
func (d *Driver) SwitchTab(ctx context.Context, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.tabs) {
		return tkerr.New(tkerr.InvalidInput, fmt.Sprintf("no tab at index %d", index))
	}
	d.activeTab = index
	return nil
}

// ExecuteJavaScript evaluates script in the page context and returns the
// JSON-encoded result, truncated with a marker if it exceeds 64KB.
func (d *Driver) ExecuteJavaScript(ctx context.Context, script string) (string, error) {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()

	var result any
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &result)); err != nil {
		return "", classifyActionError(err)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", tkerr.Wrap(tkerr.BrowserError, "marshal javascript result", err)
	}
	if len(out) > maxJSResultBytes {
		return string(out[:maxJSResultBytes]) + "...[truncated]", nil
	}
	return string(out), nil
}

// ExtractPageContent returns the page's normalized visible text.
func (d *Driver) ExtractPageContent(ctx context.Context) (string, error) {
	tab := d.active()
	runCtx, cancel := d.withTimeout(tab.ctx)
	defer cancel()
	var text string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(extractTextScript, &text)); err != nil {
		return "", classifyActionError(err)
	}
	return text, nil
}

// WaitCondition selects what Wait blocks on.
type WaitCondition struct {
	Kind      string // url_match, element_visible, element_hidden, delay
	Pattern   string
	Index     int
	TimeoutMS int
}

// Wait blocks until condition is satisfied or its timeout elapses.
func (d *Driver) Wait(ctx context.Context, cond WaitCondition) error {
	timeout := time.Duration(cond.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = d.actionTO
	}
	tab := d.active()
	runCtx, cancel := context.WithTimeout(tab.ctx, timeout)
	defer cancel()

	switch cond.Kind {
	case "delay":
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
			return tkerr.New(tkerr.Cancelled, "wait cancelled")
		}
		return nil
	case "url_match":
		re, err := regexp.Compile(cond.Pattern)
		if err != nil {
			return tkerr.Wrap(tkerr.InvalidInput, "invalid url pattern", err)
		}
		for {
			var url string
			if err := chromedp.Run(runCtx, chromedp.Location(&url)); err == nil && re.MatchString(url) {
				return nil
			}
			select {
			case <-runCtx.Done():
				return tkerr.New(tkerr.Timeout, "url_match timed out")
			case <-time.After(200 * time.Millisecond):
			}
		}
	case "element_visible", "element_hidden":
		wantVisible := cond.Kind == "element_visible"
		for {
			rect, err := d.elementRect(runCtx, cond.Index)
			visible := err == nil && rect.Width > 0 && rect.Height > 0
			if visible == wantVisible {
				return nil
			}
			select {
			case <-runCtx.Done():
				return tkerr.New(tkerr.Timeout, "element wait timed out")
			case <-time.After(200 * time.Millisecond):
			}
		}
	default:
		return tkerr.New(tkerr.InvalidInput, "unknown wait condition: "+cond.Kind)
	}
}

// ReadFile reads bytes from the per-run working directory.
func (d *Driver) ReadFile(path string) ([]byte, error) {
	resolved, err := d.resolver.Resolve(path)
	if err != nil {
		return nil, tkerr.Wrap(tkerr.InvalidInput, "resolve read path", err)
	}
	data, err := readFile(resolved)
	if err != nil {
		return nil, tkerr.Wrap(tkerr.InvalidInput, "read file", err)
	}
	return data, nil
}

// WriteFile writes bytes to the per-run working directory. Callers are
// responsible for registering the written file with the Store, per the
// write_file contract.
func (d *Driver) WriteFile(path string, data []byte) (string, error) {
	resolved, err := d.resolver.Resolve(path)
	if err != nil {
		return "", tkerr.Wrap(tkerr.InvalidInput, "resolve write path", err)
	}
	if err := writeFile(resolved, data); err != nil {
		return "", tkerr.Wrap(tkerr.InvalidInput, "write file", err)
	}
	return resolved, nil
}

// ReplaceInFile performs a literal find/replace within a file in the
// per-run working directory.
func (d *Driver) ReplaceInFile(path, find, replace string) error {
	resolved, err := d.resolver.Resolve(path)
	if err != nil {
		return tkerr.Wrap(tkerr.InvalidInput, "resolve path", err)
	}
	data, err := readFile(resolved)
	if err != nil {
		return tkerr.Wrap(tkerr.InvalidInput, "read file", err)
	}
	updated := replaceAll(string(data), find, replace)
	return writeFile(resolved, []byte(updated))
}

func classifyActionError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tkerr.Wrap(tkerr.Timeout, "action timed out", err)
	}
	return tkerr.Wrap(tkerr.BrowserError, "cdp action failed", err)
}
