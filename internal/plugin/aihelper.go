package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/provider"
)

// helperTimeout caps auxiliary model calls so a chatty extension
// cannot hold an exchange open for the full backend deadline.
const helperTimeout = 30 * time.Second

// AIHelper gives extensions scoped access to a model backend for
// auxiliary calls, separate from the main conversation.
type AIHelper struct {
	adapter      provider.Adapter
	defaultModel string
	maxTokens    int
}

// NewAIHelper wraps an adapter for extension use. The default model
// serves QuickCall and any Call with an empty model.
func NewAIHelper(adapter provider.Adapter, defaultModel string, maxTokens int) *AIHelper {
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return &AIHelper{adapter: adapter, defaultModel: defaultModel, maxTokens: maxTokens}
}

// Call sends a one-shot prompt with an optional system message, model
// override, and attached images, returning the reply text.
func (h *AIHelper) Call(ctx context.Context, system, user, model string, images ...*chat.Image) (string, error) {
	if h == nil || h.adapter == nil {
		return "", fmt.Errorf("ai helper not configured")
	}
	if model == "" {
		model = h.defaultModel
	}
	// The helper is bound to one adapter, so only the wire id of a
	// namespaced model string matters here.
	if sel, err := chat.ParseModel(model); err == nil {
		model = sel.ModelID
	}
	ctx, cancel := context.WithTimeout(ctx, helperTimeout)
	defer cancel()

	var conv []chat.Message
	if system != "" {
		conv = append(conv, chat.Text(chat.RoleSystem, system))
	}
	conv = append(conv, chat.UserMessage(user, images))

	res, err := h.adapter.Complete(ctx, model, conv, h.maxTokens)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// QuickCall is Call with no system message and the default model.
func (h *AIHelper) QuickCall(ctx context.Context, prompt string) (string, error) {
	return h.Call(ctx, "", prompt, "")
}
