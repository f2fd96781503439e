package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/media"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI talks to the OpenAI chat completions endpoint. The same wire
// schema is shared by Groq and OpenRouter, so the request/response
// translation here is reused by those adapters.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewOpenAI(cfg config.ProviderConfig, logger *slog.Logger) *OpenAI {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	return &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: base,
		client:  newBackendClient(logger),
		logger:  logger,
	}
}

func (o *OpenAI) Name() chat.Provider { return chat.ProviderOpenAI }

func (o *OpenAI) Complete(ctx context.Context, modelID string, conv []chat.Message, maxTokens int) (*Result, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	req := oaRequest{
		Model:     modelID,
		Messages:  buildOpenAIMessages(conv),
		MaxTokens: maxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}
	body, err := postJSON(ctx, o.client, o.Name(), o.baseURL+"/chat/completions", headers, req)
	if err != nil {
		return nil, err
	}
	return parseOpenAIResponse(o.Name(), body)
}

// OpenAI chat completions wire schema. Content is `any` on the way
// out because plain-text messages ship as a bare string while
// multipart messages ship as an array of typed parts.
type oaRequest struct {
	Model     string      `json:"model"`
	Messages  []oaMessage `json:"messages"`
	MaxTokens int         `json:"max_tokens,omitempty"`
}

type oaMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
			Images  []oaPart        `json:"images"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// buildDataURL encodes an image as a data: URL for image_url parts.
func buildDataURL(img *chat.Image) string {
	return fmt.Sprintf("data:%s;base64,%s", img.MIME, base64.StdEncoding.EncodeToString(img.Data))
}

// imagePartURL is the wire form of one canonical image: raw bytes
// become a data URL, unfetched remote references pass through as-is
// since OpenAI-style backends fetch them server-side.
func imagePartURL(img *chat.Image) string {
	if len(img.Data) == 0 && img.URL != "" {
		return img.URL
	}
	return buildDataURL(img)
}

// buildOpenAIMessages converts canonical messages to the completions
// schema. Text-only messages keep the bare-string content form that
// every backend accepts; anything with images becomes a parts array.
func buildOpenAIMessages(conv []chat.Message) []oaMessage {
	out := make([]oaMessage, 0, len(conv))
	for _, m := range conv {
		if len(m.Images()) == 0 {
			out = append(out, oaMessage{Role: string(m.Role), Content: m.FirstText()})
			continue
		}
		parts := make([]oaPart, 0, len(m.Content))
		for _, p := range m.Content {
			switch {
			case p.Image != nil:
				parts = append(parts, oaPart{
					Type:     "image_url",
					ImageURL: &oaImageURL{URL: imagePartURL(p.Image)},
				})
			case p.Text != "":
				parts = append(parts, oaPart{Type: "text", Text: p.Text})
			}
		}
		out = append(out, oaMessage{Role: string(m.Role), Content: parts})
	}
	return out
}

// parseOpenAIResponse decodes a completions response into a Result.
// Assistant content may be a bare string or a parts array; models
// that generate images return them either inline as image_url parts
// or in a message-level images array. Both containers are preserved
// so the caller can apply side-array precedence during dedup.
func parseOpenAIResponse(p chat.Provider, body []byte) (*Result, error) {
	var resp oaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", p, ErrSchema, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w: no choices in response", p, ErrSchema)
	}

	msg := resp.Choices[0].Message
	res := &Result{Usage: resp.Usage.TotalTokens}

	for _, part := range msg.Images {
		if part.ImageURL != nil && part.ImageURL.URL != "" {
			res.Side = append(res.Side, media.Candidate{URL: part.ImageURL.URL})
		}
	}

	if len(msg.Content) == 0 || string(msg.Content) == "null" {
		return res, nil
	}

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		res.Text = text
		return res, nil
	}

	var parts []oaPart
	if err := json.Unmarshal(msg.Content, &parts); err != nil {
		return nil, fmt.Errorf("%s: %w: unexpected content shape", p, ErrSchema)
	}
	for _, part := range parts {
		switch part.Type {
		case "text":
			if res.Text == "" {
				res.Text = part.Text
			} else {
				res.Text += "\n" + part.Text
			}
		case "image_url":
			if part.ImageURL != nil && part.ImageURL.URL != "" {
				res.Inline = append(res.Inline, media.Candidate{URL: part.ImageURL.URL})
			}
		}
	}
	return res, nil
}
