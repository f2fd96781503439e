package provider

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter fronts many upstream models behind the completions
// schema. It additionally exposes a live model catalog, and for
// image-generating models it returns images in a message-level side
// array rather than inline content parts.
type OpenRouter struct {
	apiKey   string
	baseURL  string
	referer  string
	appTitle string
	client   *http.Client
	logger   *slog.Logger
}

func NewOpenRouter(cfg config.ProviderConfig, logger *slog.Logger) *OpenRouter {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenRouterBaseURL
	}
	return &OpenRouter{
		apiKey:   cfg.APIKey,
		baseURL:  base,
		referer:  "https://github.com/parleybot/parley",
		appTitle: "Parley",
		client:   newBackendClient(logger),
		logger:   logger,
	}
}

func (o *OpenRouter) Name() chat.Provider { return chat.ProviderOpenRouter }

func (o *OpenRouter) headers() map[string]string {
	// OpenRouter uses these for attribution on their dashboard.
	return map[string]string{
		"Authorization": "Bearer " + o.apiKey,
		"HTTP-Referer":  o.referer,
		"X-Title":       o.appTitle,
	}
}

func (o *OpenRouter) Complete(ctx context.Context, modelID string, conv []chat.Message, maxTokens int) (*Result, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	req := oaRequest{
		Model:     modelID,
		Messages:  buildOpenAIMessages(conv),
		MaxTokens: maxTokens,
	}
	body, err := postJSON(ctx, o.client, o.Name(), o.baseURL+"/chat/completions", o.headers(), req)
	if err != nil {
		return nil, err
	}
	return parseOpenAIResponse(o.Name(), body)
}

// Model is one catalog entry from the live model listing.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type modelList struct {
	Data []Model `json:"data"`
}

// ListModels fetches the live model catalog, sorted by ID.
func (o *OpenRouter) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var list modelList
	if err := getJSON(ctx, o.client, o.Name(), o.baseURL+"/models", o.headers(), &list); err != nil {
		return nil, err
	}
	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })
	return list.Data, nil
}

// FilterModels keeps catalog entries whose ID or display name
// contains the filter, case-insensitively. An empty filter keeps
// everything.
func FilterModels(models []Model, filter string) []Model {
	if filter == "" {
		return models
	}
	needle := strings.ToLower(filter)
	out := make([]Model, 0, len(models))
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.ID), needle) ||
			strings.Contains(strings.ToLower(m.Name), needle) {
			out = append(out, m)
		}
	}
	return out
}
