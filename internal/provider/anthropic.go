package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/httpkit"
	"github.com/parleybot/parley/internal/media"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"

	// anthropicDefaultMaxTokens is used when the caller passes zero;
	// the messages endpoint rejects requests without max_tokens.
	anthropicDefaultMaxTokens = 4096

	maxFetchedImageBytes = 20 << 20
)

// Anthropic talks to the Anthropic messages endpoint. Its schema
// differs from the completions family in two ways this adapter has to
// bridge: the system prompt is a top-level field rather than a
// message, and images must be inlined as base64 blocks, so remote
// references are fetched and re-encoded before sending.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewAnthropic(cfg config.ProviderConfig, logger *slog.Logger) *Anthropic {
	base := cfg.BaseURL
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	return &Anthropic{
		apiKey:  cfg.APIKey,
		baseURL: base,
		client:  newBackendClient(logger),
		logger:  logger,
	}
}

func (a *Anthropic) Name() chat.Provider { return chat.ProviderAnthropic }

func (a *Anthropic) Complete(ctx context.Context, modelID string, conv []chat.Message, maxTokens int) (*Result, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	system, messages := a.convertMessages(ctx, conv)
	req := antRequest{
		Model:     modelID,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
	body, err := postJSON(ctx, a.client, a.Name(), a.baseURL+"/messages", headers, req)
	if err != nil {
		return nil, err
	}
	return parseAnthropicResponse(body)
}

type antRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []antMessage `json:"messages"`
}

type antMessage struct {
	Role    string     `json:"role"`
	Content []antBlock `json:"content"`
}

type antBlock struct {
	Type   string     `json:"type"`
	Text   string     `json:"text,omitempty"`
	Source *antSource `json:"source,omitempty"`
}

type antSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type antResponse struct {
	Content []antBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// convertMessages lifts system messages into the top-level system
// field and turns the rest into content-block messages. Images that
// exist only as remote references are fetched here; a failed fetch
// drops that image but keeps the rest of the message.
func (a *Anthropic) convertMessages(ctx context.Context, conv []chat.Message) (string, []antMessage) {
	var system string
	messages := make([]antMessage, 0, len(conv))
	for _, m := range conv {
		if m.Role == chat.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.FirstText()
			continue
		}
		blocks := make([]antBlock, 0, len(m.Content))
		for _, p := range m.Content {
			switch {
			case p.Image != nil:
				img := p.Image
				if len(img.Data) == 0 && img.URL != "" {
					fetched, err := a.fetchImage(ctx, img.URL)
					if err != nil {
						a.logger.Warn("dropping unfetchable image", "url", img.URL, "error", err)
						continue
					}
					img = fetched
				}
				blocks = append(blocks, antBlock{
					Type: "image",
					Source: &antSource{
						Type:      "base64",
						MediaType: img.MIME,
						Data:      base64.StdEncoding.EncodeToString(img.Data),
					},
				})
			case p.Text != "":
				blocks = append(blocks, antBlock{Type: "text", Text: p.Text})
			}
		}
		if len(blocks) == 0 {
			// The messages endpoint rejects empty content arrays.
			blocks = append(blocks, antBlock{Type: "text", Text: " "})
		}
		messages = append(messages, antMessage{Role: string(m.Role), Content: blocks})
	}
	return system, messages
}

// fetchImage downloads a remote image so it can be re-encoded as a
// base64 block.
func (a *Anthropic) fetchImage(ctx context.Context, url string) (*chat.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedImageBytes))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch image: empty body")
	}
	return chat.NewImage(data, resp.Header.Get("Content-Type")), nil
}

func parseAnthropicResponse(body []byte) (*Result, error) {
	var resp antResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", chat.ProviderAnthropic, ErrSchema, err)
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("%s: %w: empty content", chat.ProviderAnthropic, ErrSchema)
	}
	res := &Result{Usage: resp.Usage.InputTokens + resp.Usage.OutputTokens}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if res.Text == "" {
				res.Text = block.Text
			} else {
				res.Text += "\n" + block.Text
			}
		case "image":
			if block.Source != nil && block.Source.Data != "" {
				res.Inline = append(res.Inline, media.Candidate{
					URL: fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, block.Source.Data),
				})
			}
		}
	}
	return res, nil
}
