package provider

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
)

const defaultGroqBaseURL = "https://api.groq.com/openai/v1"

// Groq speaks the completions schema but only for text, so messages
// with images are flattened to their text content before sending. The
// caller is told via Result.Note when the latest user turn lost
// images this way.
type Groq struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewGroq(cfg config.ProviderConfig, logger *slog.Logger) *Groq {
	base := cfg.BaseURL
	if base == "" {
		base = defaultGroqBaseURL
	}
	return &Groq{
		apiKey:  cfg.APIKey,
		baseURL: base,
		client:  newBackendClient(logger),
		logger:  logger,
	}
}

func (g *Groq) Name() chat.Provider { return chat.ProviderGroq }

func (g *Groq) Complete(ctx context.Context, modelID string, conv []chat.Message, maxTokens int) (*Result, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	flat, dropped := flattenToText(conv)
	req := oaRequest{
		Model:     modelID,
		Messages:  flat,
		MaxTokens: maxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + g.apiKey}
	body, err := postJSON(ctx, g.client, g.Name(), g.baseURL+"/chat/completions", headers, req)
	if err != nil {
		return nil, err
	}
	res, err := parseOpenAIResponse(g.Name(), body)
	if err != nil {
		return nil, err
	}
	if dropped {
		res.Note = "Note: this model does not accept images, so they were not sent."
	}
	return res, nil
}

// flattenToText reduces every message to its first text part. The
// returned flag reports whether the final message in the conversation
// carried images that were discarded, which is the case worth telling
// the user about.
func flattenToText(conv []chat.Message) ([]oaMessage, bool) {
	out := make([]oaMessage, 0, len(conv))
	dropped := false
	for i, m := range conv {
		if i == len(conv)-1 && len(m.Images()) > 0 {
			dropped = true
		}
		out = append(out, oaMessage{Role: string(m.Role), Content: m.FirstText()})
	}
	return out, dropped
}
