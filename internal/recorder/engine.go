// Package recorder implements the Recording Engine: it launches a Chromium
// tab, injects a capture script into every frame, ingests the structured
// events it posts back, and at stop time asks the LLM client to synthesize
// a workflow name and task description from the trace. Event capture runs
// over a Runtime.AddBinding channel into an owned, launched process rather
// than polling CDP directly.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/tasker-core/core/internal/agent"
	"github.com/tasker-core/core/internal/cache"
	"github.com/tasker-core/core/internal/debounce"
	"github.com/tasker-core/core/internal/llm"
	"github.com/tasker-core/core/internal/tkerr"
	"github.com/tasker-core/core/pkg/models"
)

// duplicateWindow suppresses repeat events for the same element and kind
// fired within this window, guarding against a click handler bound at
// multiple DOM levels posting the same user action twice.
const duplicateWindow = 300 * time.Millisecond

const bindingName = "__taskerRecord"

// rawEvent mirrors the JSON object the capture script posts.
type rawEvent struct {
	Kind    string          `json:"kind"`
	URL     string          `json:"url"`
	TS      int64           `json:"ts"`
	Element *elementPayload `json:"element"`
	Value   string          `json:"value"`
	Key     string          `json:"key"`
	Ctrl    bool            `json:"ctrl"`
	Meta    bool            `json:"meta"`
	ScrollX float64         `json:"scroll_x"`
	ScrollY float64         `json:"scroll_y"`
}

type elementPayload struct {
	ID   int         `json:"id"`
	Tag  string      `json:"tag"`
	Text string      `json:"text"`
	Rect models.Rect `json:"rect"`
}

// Config configures a recording session.
type Config struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	Provider       string // LLM provider used to synthesize name/description at stop
	Model          string
}

// Engine owns one recording session end to end.
type Engine struct {
	mu      sync.Mutex
	status  models.RecordingStatus
	session models.RecordingSession

	allocCtx    context.Context
	allocCancel context.CancelFunc
	taskCtx     context.Context
	taskCancel  context.CancelFunc

	debouncer *debounce.Debouncer[rawEvent]
	dedupe    *cache.DedupeCache
	llmClient *llm.Client
	cfg       Config
}

// New creates an Engine bound to a shared LLM client. Each session calls
// Start/Stop on its own Engine instance.
func New(llmClient *llm.Client) *Engine {
	return &Engine{
		llmClient: llmClient,
		status:    models.RecordingInitializing,
		dedupe:    cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: duplicateWindow, MaxSize: 512}),
	}
}

// Start launches Chromium, injects the capture script into every frame, and
// marks the session recording.
func (e *Engine) Start(ctx context.Context, sessionID string, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	width := cfg.ViewportWidth
	if width <= 0 {
		width = 1280
	}
	height := cfg.ViewportHeight
	if height <= 0 {
		height = 800
	}
	e.cfg = cfg

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(width, height),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(taskCtx,
		runtime.Enable(),
		runtime.AddBinding(bindingName),
		page.AddScriptToEvaluateOnNewDocument(captureScript),
		chromedp.Navigate("about:blank"),
	); err != nil {
		taskCancel()
		allocCancel()
		return tkerr.Wrap(tkerr.BrowserError, "start recording session", err)
	}

	e.debouncer = debounce.NewDebouncer(
		debounce.WithDebounceDuration[rawEvent](500*time.Millisecond),
		debounce.WithBuildKey[rawEvent](func(ev *rawEvent) string {
			if ev.Element == nil {
				return ""
			}
			return fmt.Sprintf("input:%d", ev.Element.ID)
		}),
		debounce.WithShouldDebounce[rawEvent](func(ev *rawEvent) bool { return ev.Kind == "input" }),
		debounce.WithOnFlush[rawEvent](func(items []*rawEvent) error {
			if len(items) == 0 {
				return nil
			}
			// Spec keeps only the last value within the quiescence window;
			// the generic Debouncer batches everything it received, so pick
			// the most recent instead of replaying the whole batch.
			e.appendEvent(*items[len(items)-1])
			return nil
		}),
	)

	chromedp.ListenTarget(taskCtx, func(ev any) {
		bindingEvent, ok := ev.(*runtime.EventBindingCalled)
		if !ok || bindingEvent.Name != bindingName {
			return
		}
		var raw rawEvent
		if err := json.Unmarshal([]byte(bindingEvent.Payload), &raw); err != nil {
			return
		}
		e.handleRawEvent(raw)
	})

	e.allocCtx, e.allocCancel = allocCtx, allocCancel
	e.taskCtx, e.taskCancel = taskCtx, taskCancel
	e.status = models.RecordingRecording
	e.session = models.RecordingSession{
		SessionID: sessionID,
		Status:    models.RecordingRecording,
		StartedAt: time.Now(),
	}
	return nil
}

func (e *Engine) handleRawEvent(raw rawEvent) {
	e.mu.Lock()
	status := e.status
	debouncer := e.debouncer
	e.mu.Unlock()

	if status == models.RecordingPaused || status == models.RecordingStopped {
		return
	}
	if raw.Kind == "scroll" {
		// the capture script already floors sub-100px deltas; nothing further
		// to coalesce here.
		e.appendEvent(raw)
		return
	}
	if raw.Kind == "input" {
		debouncer.Enqueue(&raw)
		return
	}
	if raw.Kind == "click" || raw.Kind == "context_menu" || raw.Kind == "submit" {
		if e.dedupe.Check(dedupeKey(raw)) {
			return
		}
	}
	e.appendEvent(raw)
}

func dedupeKey(raw rawEvent) string {
	if raw.Element == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d:%s", raw.Kind, raw.Element.ID, raw.URL)
}

func (e *Engine) appendEvent(raw rawEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == models.RecordingPaused || e.status == models.RecordingStopped {
		return
	}
	var el *models.ElementInfo
	if raw.Element != nil {
		el = &models.ElementInfo{
			Index: raw.Element.ID,
			Tag:   raw.Element.Tag,
			Text:  raw.Element.Text,
			Rect:  raw.Element.Rect,
		}
	}
	e.session.Events = append(e.session.Events, models.ActionEvent{
		Kind:      mapActionKind(raw.Kind),
		URL:       raw.URL,
		Timestamp: time.UnixMilli(raw.TS),
		Element:   el,
		Payload:   map[string]any{"value": raw.Value, "key": raw.Key, "ctrl": raw.Ctrl, "meta": raw.Meta},
	})
}

func mapActionKind(kind string) models.ActionKind {
	switch kind {
	case "click":
		return models.ActionClick
	case "input":
		return models.ActionInput
	case "scroll":
		return models.ActionScroll
	case "send_keys":
		return models.ActionSendKeys
	case "select_dropdown":
		return models.ActionSelectDropdown
	case "context_menu":
		return models.ActionContextMenu
	case "navigate", "submit":
		return models.ActionNavigate
	default:
		return models.ActionPageLoaded
	}
}

// Pause stops event ingestion without tearing down Chromium.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == models.RecordingRecording {
		e.status = models.RecordingPaused
	}
}

// Resume resumes event ingestion after Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == models.RecordingPaused {
		e.status = models.RecordingRecording
	}
}

// Stop tears down Chromium and, unless cancelled, asks the LLM client to
// synthesize a name and task description from the accumulated trace.
func (e *Engine) Stop(ctx context.Context, cancelled bool) (name, description string, events []models.ActionEvent, err error) {
	e.mu.Lock()
	e.status = models.RecordingStopping
	evs := append([]models.ActionEvent(nil), e.session.Events...)
	taskCancel, allocCancel := e.taskCancel, e.allocCancel
	e.mu.Unlock()

	taskCancel()
	allocCancel()

	e.mu.Lock()
	e.status = models.RecordingStopped
	e.mu.Unlock()

	if cancelled || len(evs) == 0 {
		return "", "", evs, nil
	}

	name, description, err = e.synthesize(ctx, evs)
	if err != nil {
		e.mu.Lock()
		e.session.Error = err.Error()
		e.status = models.RecordingError
		e.mu.Unlock()
		return "", "", evs, err
	}
	return name, description, evs, nil
}

func (e *Engine) synthesize(ctx context.Context, events []models.ActionEvent) (string, string, error) {
	if e.llmClient == nil {
		return "", "", tkerr.New(tkerr.LLMUnavailable, "no llm client configured for recording synthesis")
	}

	var lines []string
	for i, ev := range events {
		desc := string(ev.Kind)
		if ev.Element != nil && ev.Element.Text != "" {
			desc += " \"" + ev.Element.Text + "\""
		}
		lines = append(lines, fmt.Sprintf("%d. %s (%s)", i+1, desc, ev.URL))
	}
	trace := strings.Join(lines, "\n")

	req := llm.ChatRequest{
		Provider: e.cfg.Provider,
		Model:    e.cfg.Model,
		System: "You name and summarize recorded browser sessions. Respond with exactly two lines: " +
			"a short title, then a first-person task description a user could hand back to an agent to replay.",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: "Recorded action trace:\n" + trace},
		},
		MaxTokens: 256,
	}
	resp, err := e.llmClient.Chat(ctx, req)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(strings.TrimSpace(resp.Text), "\n", 2)
	name := parts[0]
	description := ""
	if len(parts) > 1 {
		description = strings.TrimSpace(parts[1])
	}
	if name == "" {
		name = "Recorded workflow"
	}
	return name, description, nil
}

// Status returns the session's current status.
func (e *Engine) Status() models.RecordingStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// EventCount returns the number of events ingested so far.
func (e *Engine) EventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.session.Events)
}

// LastError returns the error recorded if the session ended in
// models.RecordingError.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Error
}
