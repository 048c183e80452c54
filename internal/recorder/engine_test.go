package recorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tasker-core/core/pkg/models"
)

func TestMapActionKind(t *testing.T) {
	cases := map[string]models.ActionKind{
		"click":           models.ActionClick,
		"input":           models.ActionInput,
		"scroll":          models.ActionScroll,
		"send_keys":       models.ActionSendKeys,
		"select_dropdown": models.ActionSelectDropdown,
		"context_menu":    models.ActionContextMenu,
		"navigate":        models.ActionNavigate,
		"submit":          models.ActionNavigate,
		"unknown":         models.ActionPageLoaded,
	}
	for in, want := range cases {
		require.Equal(t, want, mapActionKind(in))
	}
}

func TestAppendEventDropsWhilePaused(t *testing.T) {
	e := &Engine{status: models.RecordingPaused}
	e.appendEvent(rawEvent{Kind: "click", URL: "https://example.com"})
	require.Empty(t, e.session.Events)
}

func TestAppendEventRecordsElement(t *testing.T) {
	e := &Engine{status: models.RecordingRecording}
	e.appendEvent(rawEvent{
		Kind:    "click",
		URL:     "https://example.com",
		Element: &elementPayload{ID: 3, Tag: "button", Text: "Submit"},
	})
	require.Len(t, e.session.Events, 1)
	ev := e.session.Events[0]
	require.Equal(t, models.ActionClick, ev.Kind)
	require.NotNil(t, ev.Element)
	require.Equal(t, 3, ev.Element.Index)
	require.Equal(t, "Submit", ev.Element.Text)
}

func TestStopWithNoEventsSkipsSynthesis(t *testing.T) {
	e := New(nil)
	e.status = models.RecordingStopping
	e.taskCancel = func() {}
	e.allocCancel = func() {}
	name, desc, events, err := e.Stop(nil, false)
	require.NoError(t, err)
	require.Empty(t, name)
	require.Empty(t, desc)
	require.Empty(t, events)
}
