package runloop

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tasker-core/core/internal/agent"
	"github.com/tasker-core/core/internal/backoff"
	"github.com/tasker-core/core/internal/cdp"
	"github.com/tasker-core/core/internal/compaction"
	"github.com/tasker-core/core/internal/llm"
	"github.com/tasker-core/core/internal/store"
	"github.com/tasker-core/core/internal/tkerr"
	"github.com/tasker-core/core/internal/tracing"
	"github.com/tasker-core/core/pkg/models"
)

const (
	maxRateLimitRetries = 3
	historyTokenBudget  = 12000
	keepRecentSteps     = 5
)

// EventSink receives progress events the run loop emits as it executes.
// The HTTP/WebSocket API implements this to fan steps out to subscribers;
// a nil sink is valid and simply drops events.
type EventSink interface {
	EmitReplayStep(runID string, step *models.RunStep)
	EmitRunStatus(runID string, status models.RunStatus, errMsg string)
}

// Config is the run loop's contract per invocation.
type Config struct {
	RunID              string
	WorkflowID         string
	TaskDescription    string
	CustomInstructions string
	StopWhen           string
	MaxSteps           int
	Provider           string
	Model              string

	// ToolTimeout bounds a single tool call (e.g. a click or navigate that
	// hangs waiting on the page). Zero uses agent.DefaultRuntimeOptions.
	ToolTimeout time.Duration

	// MaxWallTime bounds the run's total wall-clock duration regardless of
	// step count. Zero means no wall-time limit.
	MaxWallTime time.Duration
}

// Deps are the collaborators the loop drives.
type Deps struct {
	Driver *cdp.Driver
	Store  *store.Store
	LLM    *llm.Client
	Events EventSink
	Tracer *tracing.Writer // optional; nil disables the per-run JSONL trace
}

// historyEntry is one compaction.Message plus the original step number it
// came from, so compaction can replace ranges of steps with a one-liner
// while keeping notes and the most recent steps verbatim.
type historyEntry struct {
	msg        compaction.Message
	stepNumber int
	isNote     bool
}

// Loop drives one run from Pending to a terminal state.
type Loop struct {
	cfg       Config
	deps      Deps
	tools     []agent.Tool
	history   []historyEntry
	cancel    <-chan struct{}
	startedAt time.Time
}

// New builds a Loop ready to Run.
func New(cfg Config, deps Deps, cancel <-chan struct{}) *Loop {
	defaults := agent.DefaultRuntimeOptions()
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	return &Loop{
		cfg:    cfg,
		deps:   deps,
		tools:  buildTools(deps.Driver, deps.Store, cfg.RunID, cfg.WorkflowID),
		cancel: cancel,
	}
}

// Run executes the per-step algorithm until the run reaches a terminal
// state, persisting status transitions to the Store as they happen.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.deps.Store.UpdateRunStatus(ctx, l.cfg.RunID, models.RunRunning, "", ""); err != nil {
		return err
	}
	l.emitStatus(models.RunRunning, "")
	l.startedAt = time.Now()

	maxSteps := l.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 50
	}

	for step := 1; ; step++ {
		// 1. step budget
		if step > maxSteps {
			return l.finish(ctx, models.RunFailed, tkerr.New(tkerr.StepBudgetExceeded, "max steps reached").Error(), "")
		}

		// 1b. wall-clock budget
		if l.cfg.MaxWallTime > 0 && time.Since(l.startedAt) > l.cfg.MaxWallTime {
			return l.finish(ctx, models.RunFailed, tkerr.New(tkerr.StepBudgetExceeded, "max wall time exceeded").Error(), "")
		}

		// 2. cancellation
		select {
		case <-l.cancel:
			return l.finish(ctx, models.RunCancelled, "", "")
		default:
		}

		// 3. fresh snapshot
		screenshot, snap, err := l.deps.Driver.Snapshot(ctx)
		if err != nil {
			return l.finish(ctx, models.RunFailed, err.Error(), "")
		}
		observation := l.buildObservation(snap)

		// 4 & 5. build LLM message, call with retry
		resp, err := l.callLLM(ctx, observation, screenshot)
		if err != nil {
			if tkerr.Is(err, tkerr.LLMAuthError) || tkerr.Is(err, tkerr.LLMUnavailable) {
				return l.finish(ctx, models.RunFailed, err.Error(), "")
			}
			// BadResponse: synthesize a correcting observation and retry as a step.
			l.appendHistory(step, compaction.Message{Role: "user", Content: "your last tool call was not valid JSON", Timestamp: nowUnix()}, false)
			continue
		}

		l.appendHistory(step, compaction.Message{Role: "assistant", Content: resp.Text, ToolCalls: marshalToolCalls(resp.ToolCalls), Timestamp: nowUnix()}, false)

		// 6. done(summary)
		if summary, isDone := findDone(resp.ToolCalls); isDone {
			proceed, err := l.evaluateStopWhen(ctx, summary)
			if err != nil {
				return l.finish(ctx, models.RunFailed, err.Error(), "")
			}
			if proceed {
				return l.finish(ctx, models.RunCompleted, "", summary)
			}
			l.appendHistory(step, compaction.Message{Role: "user", Content: "stop_when not yet satisfied, continue the task", Timestamp: nowUnix()}, false)
			l.compactIfNeeded()
			continue
		}

		// 7. dispatch tool calls in order, abort remaining on first failure
		for i, call := range resp.ToolCalls {
			if call.Name == "done" {
				continue
			}
			start := time.Now()
			result, toolErr := l.dispatch(ctx, call)
			duration := time.Since(start).Milliseconds()

			runStep := &models.RunStep{
				RunID:      l.cfg.RunID,
				StepNumber: step,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Params:     call.Input,
				Success:    toolErr == nil,
				DurationMS: duration,
				Timestamp:  time.Now(),
			}
			if toolErr != nil {
				runStep.Error = toolErr.Error()
			} else if result != nil {
				runStep.Result = result.Content
				if len(screenshot) > 0 {
					runStep.Screenshot = encodeScreenshot(screenshot)
				}
			}
			if err := l.deps.Store.AppendStep(ctx, runStep); err != nil {
				return l.finish(ctx, models.RunFailed, err.Error(), "")
			}
			l.emitStep(runStep)
			if l.deps.Tracer != nil {
				_ = l.deps.Tracer.WriteStep(tracing.StepEvent{
					StepNumber: runStep.StepNumber,
					ToolName:   runStep.ToolName,
					Success:    runStep.Success,
					Error:      runStep.Error,
					DurationMS: runStep.DurationMS,
					Timestamp:  runStep.Timestamp,
				})
			}

			resultText := runStep.Result
			if toolErr != nil {
				resultText = "error: " + runStep.Error
			}
			l.appendHistory(step, compaction.Message{Role: "tool", Content: resultText, ToolResults: call.Name, Timestamp: nowUnix()}, call.Name == "save_note")

			if toolErr != nil {
				var skipped []string
				for _, rest := range resp.ToolCalls[i+1:] {
					skipped = append(skipped, rest.Name)
				}
				if len(skipped) > 0 {
					l.appendHistory(step, compaction.Message{Role: "user", Content: "skipped after failure: " + strings.Join(skipped, ", "), Timestamp: nowUnix()}, false)
				}
				break
			}
		}

		l.compactIfNeeded()
	}
}

func (l *Loop) dispatch(ctx context.Context, call models.ToolCall) (*agent.ToolResult, error) {
	for _, t := range l.tools {
		if t.Name() == call.Name {
			if l.cfg.ToolTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
				defer cancel()
			}
			result, err := t.Execute(ctx, call.Input)
			if err != nil {
				if ctx.Err() == context.DeadlineExceeded {
					return nil, tkerr.New(tkerr.Timeout, "tool call exceeded timeout: "+call.Name)
				}
				return nil, err
			}
			if result.IsError {
				return result, tkerr.New(tkerr.InvalidInput, result.Content)
			}
			return result, nil
		}
	}
	return nil, tkerr.New(tkerr.InvalidInput, "unknown tool: "+call.Name)
}

func (l *Loop) buildObservation(snap *models.ElementSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "url: %s\ntitle: %s\n", snap.URL, snap.Title)
	for _, el := range snap.Elements {
		if !el.InViewport {
			continue
		}
		fmt.Fprintf(&b, "[%d] <%s> %s\n", el.Index, el.Tag, el.Text)
	}
	return b.String()
}

func (l *Loop) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a browser automation agent. Address elements only by the index shown in the most recent observation; an unknown index means the page changed, so re-snapshot before retrying.\n")
	b.WriteString("Task: " + l.cfg.TaskDescription + "\n")
	if l.cfg.CustomInstructions != "" {
		b.WriteString("Instructions: " + l.cfg.CustomInstructions + "\n")
	}
	if l.cfg.StopWhen != "" {
		b.WriteString("Stop condition: " + l.cfg.StopWhen + "\n")
	}
	b.WriteString("Call done(summary) once the task is complete.")
	return b.String()
}

func (l *Loop) callLLM(ctx context.Context, observation string, screenshot []byte) (*llm.ChatResponse, error) {
	messages := l.renderHistory()
	messages = append(messages, agent.CompletionMessage{Role: "user", Content: observation})

	req := llm.ChatRequest{
		Provider: l.cfg.Provider,
		Model:    l.cfg.Model,
		System:   l.systemPrompt(),
		Messages: messages,
		Tools:    l.tools,
		Images:   []models.Attachment{{Type: "image", MimeType: "image/png", Data: screenshot}},
	}

	// RetryWithBackoff retries on any error returned from fn, so a
	// non-rate-limited failure is reported via the result's Err field
	// instead of a Go error, making it terminal on the first attempt.
	type outcome struct {
		resp *llm.ChatResponse
		err  error
	}
	result, retryErr := backoff.RetryWithBackoff(ctx, backoff.DefaultPolicy(), maxRateLimitRetries+1,
		func(attempt int) (outcome, error) {
			resp, err := l.deps.LLM.Chat(ctx, req)
			if err == nil {
				return outcome{resp: resp}, nil
			}
			if tkerr.Is(err, tkerr.LLMRateLimited) {
				return outcome{}, err
			}
			return outcome{err: err}, nil
		})
	if retryErr != nil && result.LastError != nil {
		return nil, result.LastError
	}
	if retryErr != nil {
		return nil, retryErr
	}
	if result.Value.err != nil {
		return nil, result.Value.err
	}
	return result.Value.resp, nil
}

func (l *Loop) evaluateStopWhen(ctx context.Context, summary string) (bool, error) {
	if l.cfg.StopWhen == "" {
		return true, nil
	}
	req := llm.ChatRequest{
		Provider: l.cfg.Provider,
		Model:    l.cfg.Model,
		System:   `Answer with exactly "true" or "false": does the summary satisfy the stop condition?`,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: fmt.Sprintf("Summary: %s\nStop condition: %s", summary, l.cfg.StopWhen)},
		},
		MaxTokens: 8,
	}
	resp, err := l.deps.LLM.Chat(ctx, req)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(resp.Text), "true"), nil
}

func (l *Loop) appendHistory(step int, msg compaction.Message, isNote bool) {
	l.history = append(l.history, historyEntry{msg: msg, stepNumber: step, isNote: isNote})
}

func (l *Loop) renderHistory() []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(l.history))
	for _, h := range l.history {
		out = append(out, agent.CompletionMessage{Role: h.msg.Role, Content: h.msg.Content})
	}
	return out
}

// compactIfNeeded replaces the oldest non-note, non-recent history entries
// with a one-line summary once the rolling history exceeds the token
// budget, per the run loop's history compaction rule. save_note results are
// never summarized; the most recent keepRecentSteps steps are always kept
// in full.
func (l *Loop) compactIfNeeded() {
	msgs := make([]*compaction.Message, len(l.history))
	for i := range l.history {
		msgs[i] = &l.history[i].msg
	}
	if compaction.EstimateMessagesTokens(msgs) <= historyTokenBudget {
		return
	}

	var maxStep int
	for _, h := range l.history {
		if h.stepNumber > maxStep {
			maxStep = h.stepNumber
		}
	}
	cutoff := maxStep - keepRecentSteps

	var kept []historyEntry
	var summarized []string
	for _, h := range l.history {
		if h.isNote || h.stepNumber > cutoff {
			kept = append(kept, h)
			continue
		}
		summarized = append(summarized, fmt.Sprintf("step %d: %s", h.stepNumber, oneLine(h.msg.Content)))
	}
	if len(summarized) == 0 {
		return
	}
	summaryEntry := historyEntry{
		msg:        compaction.Message{Role: "assistant", Content: strings.Join(summarized, "\n"), Timestamp: nowUnix()},
		stepNumber: 0,
	}
	l.history = append([]historyEntry{summaryEntry}, kept...)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 140 {
		return s[:140] + "..."
	}
	return s
}

func (l *Loop) finish(ctx context.Context, status models.RunStatus, errMsg, result string) error {
	if err := l.deps.Store.UpdateRunStatus(ctx, l.cfg.RunID, status, errMsg, result); err != nil {
		return err
	}
	l.emitStatus(status, errMsg)
	if errMsg != "" && status == models.RunFailed {
		return fmt.Errorf("run %s failed: %s", l.cfg.RunID, errMsg)
	}
	return nil
}

func (l *Loop) emitStep(step *models.RunStep) {
	if l.deps.Events != nil {
		l.deps.Events.EmitReplayStep(l.cfg.RunID, step)
	}
}

func (l *Loop) emitStatus(status models.RunStatus, errMsg string) {
	if l.deps.Events != nil {
		l.deps.Events.EmitRunStatus(l.cfg.RunID, status, errMsg)
	}
}

func findDone(calls []models.ToolCall) (string, bool) {
	for _, c := range calls {
		if summary, isDone := isDoneCall(c); isDone {
			return summary, true
		}
	}
	return "", false
}

func marshalToolCalls(calls []models.ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	out, _ := json.Marshal(calls)
	return string(out)
}

func encodeScreenshot(png []byte) string {
	if len(png) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(png)
}

func nowUnix() int64 { return time.Now().Unix() }
