package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tasker-core/core/internal/tkerr"
)

func TestChatUnknownProviderIsAuthError(t *testing.T) {
	c, err := New("", "", "")
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), ChatRequest{Provider: "anthropic", Model: "claude-sonnet-4-20250514"})
	require.Error(t, err)
	require.True(t, tkerr.Is(err, tkerr.LLMAuthError))
}
