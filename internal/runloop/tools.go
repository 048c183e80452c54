// Package runloop drives a single agent run to completion: snapshot, ask
// the LLM for the next tool call, dispatch it against the CDP driver or
// store, persist the step, repeat. Tool bodies dispatch directly against
// cdp.Driver rather than a remote relay.
package runloop

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tasker-core/core/internal/agent"
	"github.com/tasker-core/core/internal/cdp"
	"github.com/tasker-core/core/internal/store"
	"github.com/tasker-core/core/internal/tkerr"
	"github.com/tasker-core/core/pkg/models"
)

// staticTool implements agent.Tool by wrapping a name, description, and
// JSON schema with a closure that performs the actual work.
type staticTool struct {
	name        string
	description string
	schema      json.RawMessage
	exec        func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error)
}

func (t *staticTool) Name() string                 { return t.name }
func (t *staticTool) Description() string          { return t.description }
func (t *staticTool) Schema() json.RawMessage       { return t.schema }
func (t *staticTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return t.exec(ctx, params)
}

func rawSchema(props string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":%s,"required":%s}`, props, req))
}

func ok(content string) *agent.ToolResult  { return &agent.ToolResult{Content: content} }
func fail(err error) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
}

// buildTools returns the full static tool set the run loop exposes to the
// LLM, bound to this run's driver, store, and run id.
func buildTools(driver *cdp.Driver, st *store.Store, runID, workflowID string) []agent.Tool {
	type indexParam struct {
		Index int `json:"index"`
	}

	navigate := &staticTool{
		name: "navigate", description: "Navigate the active tab to a URL.",
		schema: rawSchema(`{"url":{"type":"string"}}`, "url"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			if err := driver.Navigate(ctx, p.URL); err != nil {
				return fail(err)
			}
			return ok("navigated to " + p.URL), nil
		},
	}

	click := &staticTool{
		name: "click", description: "Click the element at the given snapshot index.",
		schema: rawSchema(`{"index":{"type":"integer"}}`, "index"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p indexParam
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			if err := driver.Click(ctx, p.Index); err != nil {
				return fail(err)
			}
			return ok(fmt.Sprintf("clicked index %d", p.Index)), nil
		},
	}

	typeText := &staticTool{
		name: "type", description: "Type text into the element at the given snapshot index.",
		schema: rawSchema(`{"index":{"type":"integer"},"text":{"type":"string"},"clear_first":{"type":"boolean"}}`, "index", "text"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Index      int    `json:"index"`
				Text       string `json:"text"`
				ClearFirst bool   `json:"clear_first"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			if err := driver.Type(ctx, p.Index, p.Text, p.ClearFirst); err != nil {
				return fail(err)
			}
			return ok(fmt.Sprintf("typed into index %d", p.Index)), nil
		},
	}

	selectDropdown := &staticTool{
		name: "select_dropdown_option", description: "Select an option in a <select> element by value or visible text.",
		schema: rawSchema(`{"index":{"type":"integer"},"option":{"type":"string"}}`, "index", "option"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Index  int    `json:"index"`
				Option string `json:"option"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			if err := driver.SelectDropdownOption(ctx, p.Index, p.Option); err != nil {
				return fail(err)
			}
			return ok("selected " + p.Option), nil
		},
	}

	getDropdownOptions := &staticTool{
		name: "get_dropdown_options", description: "List the options of a <select> element.",
		schema: rawSchema(`{"index":{"type":"integer"}}`, "index"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p indexParam
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			opts, err := driver.GetDropdownOptions(ctx, p.Index)
			if err != nil {
				return fail(err)
			}
			out, _ := json.Marshal(opts)
			return ok(string(out)), nil
		},
	}

	scroll := &staticTool{
		name: "scroll", description: "Scroll the page up, down, left, or right by a pixel amount.",
		schema: rawSchema(`{"direction":{"type":"string"},"amount_px":{"type":"integer"}}`, "direction"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Direction string `json:"direction"`
				AmountPx  int    `json:"amount_px"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			if err := driver.Scroll(ctx, p.Direction, p.AmountPx); err != nil {
				return fail(err)
			}
			return ok("scrolled " + p.Direction), nil
		},
	}

	sendKeys := &staticTool{
		name: "send_keys", description: "Send a key or key chord (e.g. \"Enter\", \"Control+a\") to the page.",
		schema: rawSchema(`{"keys":{"type":"string"}}`, "keys"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Keys string `json:"keys"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			if err := driver.SendKeys(ctx, p.Keys); err != nil {
				return fail(err)
			}
			return ok("sent keys " + p.Keys), nil
		},
	}

	goBack := &staticTool{
		name: "go_back", description: "Navigate back one entry in history.",
		schema: rawSchema(`{}`),
		exec: func(ctx context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
			if err := driver.GoBack(ctx); err != nil {
				return fail(err)
			}
			return ok("went back"), nil
		},
	}

	reload := &staticTool{
		name: "reload", description: "Reload the active tab.",
		schema: rawSchema(`{}`),
		exec: func(ctx context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
			if err := driver.Reload(ctx); err != nil {
				return fail(err)
			}
			return ok("reloaded"), nil
		},
	}

	newTab := &staticTool{
		name: "new_tab", description: "Open a new tab, optionally navigating to a URL, and make it active.",
		schema: rawSchema(`{"url":{"type":"string"}}`),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				URL string `json:"url"`
			}
			_ = json.Unmarshal(params, &p)
			idx, err := driver.NewTab(ctx, p.URL)
			if err != nil {
				return fail(err)
			}
			return ok(fmt.Sprintf("opened tab %d", idx)), nil
		},
	}

	closeTab := &staticTool{
		name: "close_tab", description: "Close the active tab.",
		schema: rawSchema(`{}`),
		exec: func(ctx context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
			if err := driver.CloseTab(ctx); err != nil {
				return fail(err)
			}
			return ok("closed tab"), nil
		},
	}

	switchTab := &staticTool{
		name: "switch_tab", description: "Switch the active tab by index.",
		schema: rawSchema(`{"index":{"type":"integer"}}`, "index"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p indexParam
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			if err := driver.SwitchTab(ctx, p.Index); err != nil {
				return fail(err)
			}
			return ok(fmt.Sprintf("switched to tab %d", p.Index)), nil
		},
	}

	executeJS := &staticTool{
		name: "execute_javascript", description: "Evaluate JavaScript in the page context and return the JSON result.",
		schema: rawSchema(`{"script":{"type":"string"}}`, "script"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Script string `json:"script"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			out, err := driver.ExecuteJavaScript(ctx, p.Script)
			if err != nil {
				return fail(err)
			}
			return ok(out), nil
		},
	}

	extractContent := &staticTool{
		name: "extract_page_content", description: "Return the page's normalized visible text.",
		schema: rawSchema(`{}`),
		exec: func(ctx context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
			text, err := driver.ExtractPageContent(ctx)
			if err != nil {
				return fail(err)
			}
			return ok(text), nil
		},
	}

	waitTool := &staticTool{
		name: "wait", description: "Block until a condition is met: url_match, element_visible, element_hidden, or delay.",
		schema: rawSchema(`{"kind":{"type":"string"},"pattern":{"type":"string"},"index":{"type":"integer"},"timeout_ms":{"type":"integer"}}`, "kind"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var cond cdp.WaitCondition
			if err := json.Unmarshal(params, &cond); err != nil {
				return fail(err)
			}
			if err := driver.Wait(ctx, cond); err != nil {
				return fail(err)
			}
			return ok("condition met"), nil
		},
	}

	readFile := &staticTool{
		name: "read_file", description: "Read a file from the run's scoped working directory.",
		schema: rawSchema(`{"path":{"type":"string"}}`, "path"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			data, err := driver.ReadFile(p.Path)
			if err != nil {
				return fail(err)
			}
			return ok(base64.StdEncoding.EncodeToString(data)), nil
		},
	}

	writeFile := &staticTool{
		name: "write_file", description: "Write a file (base64-encoded content) to the run's scoped working directory.",
		schema: rawSchema(`{"path":{"type":"string"},"content_base64":{"type":"string"},"mime_type":{"type":"string"}}`, "path", "content_base64"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Path          string `json:"path"`
				ContentBase64 string `json:"content_base64"`
				MimeType      string `json:"mime_type"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			data, err := base64.StdEncoding.DecodeString(p.ContentBase64)
			if err != nil {
				return fail(tkerr.Wrap(tkerr.InvalidInput, "decode content_base64", err))
			}
			resolved, err := driver.WriteFile(p.Path, data)
			if err != nil {
				return fail(err)
			}
			if st != nil {
				_ = st.RegisterFile(ctx, &models.StoredFile{
					RunID:      runID,
					WorkflowID: workflowID,
					FileName:   p.Path,
					FilePath:   resolved,
					MimeType:   p.MimeType,
					FileSize:   int64(len(data)),
				})
			}
			return ok("wrote " + p.Path), nil
		},
	}

	replaceInFile := &staticTool{
		name: "replace_in_file", description: "Replace every literal occurrence of find with replace in a file.",
		schema: rawSchema(`{"path":{"type":"string"},"find":{"type":"string"},"replace":{"type":"string"}}`, "path", "find", "replace"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Path, Find, Replace string
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			if err := driver.ReplaceInFile(p.Path, p.Find, p.Replace); err != nil {
				return fail(err)
			}
			return ok("replaced in " + p.Path), nil
		},
	}

	saveNote := &staticTool{
		name: "save_note", description: "Save a note to the run's explicit memory; notes survive history compaction.",
		schema: rawSchema(`{"text":{"type":"string"}}`, "text"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			if st != nil {
				if err := st.AddNote(ctx, &models.Note{RunID: runID, Text: p.Text}); err != nil {
					return fail(err)
				}
			}
			return ok("noted"), nil
		},
	}

	recallNotes := &staticTool{
		name: "recall_notes", description: "List all notes saved so far in this run.",
		schema: rawSchema(`{}`),
		exec: func(ctx context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
			if st == nil {
				return ok("[]"), nil
			}
			notes, err := st.ListNotes(ctx, runID)
			if err != nil {
				return fail(err)
			}
			out, _ := json.Marshal(notes)
			return ok(string(out)), nil
		},
	}

	done := &staticTool{
		name: "done", description: "Signal the task is complete with a final summary.",
		schema: rawSchema(`{"summary":{"type":"string"}}`, "summary"),
		exec: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var p struct {
				Summary string `json:"summary"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return fail(err)
			}
			return ok(p.Summary), nil
		},
	}

	return []agent.Tool{
		navigate, click, typeText, selectDropdown, getDropdownOptions, scroll, sendKeys,
		goBack, reload, newTab, closeTab, switchTab, executeJS, extractContent, waitTool,
		readFile, writeFile, replaceInFile, saveNote, recallNotes, done,
	}
}

// isDoneCall reports whether call invokes the terminal done tool and
// returns its summary.
func isDoneCall(call models.ToolCall) (string, bool) {
	if call.Name != "done" {
		return "", false
	}
	var p struct {
		Summary string `json:"summary"`
	}
	_ = json.Unmarshal(call.Input, &p)
	return p.Summary, true
}
