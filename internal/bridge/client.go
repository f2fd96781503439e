// Package bridge connects the exchange engine to a bot-API chat
// surface: long-poll ingestion of inbound messages and outbound text
// and photo delivery. The runner depends only on the small Poller and
// Delivery interfaces, so the engine stays surface-agnostic.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/httpkit"
)

// maxTextLen is the bot API's per-message text limit. Longer replies
// are split, preferring a newline boundary.
const maxTextLen = 4096

// Inbound is one received message, reduced to what the engine needs.
type Inbound struct {
	ChatID string
	Text   string
	Images []*chat.Image
}

// Poller yields batches of inbound messages.
type Poller interface {
	Poll(ctx context.Context) ([]Inbound, error)
}

// Delivery sends replies back to a chat.
type Delivery interface {
	SendText(ctx context.Context, chatID, text string) error
	SendPhoto(ctx context.Context, chatID string, img *chat.Image, caption string) error
}

// Client talks to a Telegram-compatible bot API over HTTP. It
// implements both Poller and Delivery.
type Client struct {
	token       string
	baseURL     string
	pollTimeout int // long-poll hold, seconds
	htmlMarkup  bool
	client      *http.Client
	logger      *slog.Logger

	offset int64 // next update id to request; only Poll touches it
}

func NewClient(cfg config.BridgeConfig, logger *slog.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &Client{
		token:       cfg.Token,
		baseURL:     base,
		pollTimeout: cfg.PollTimeout,
		htmlMarkup:  cfg.HTMLMarkup,
		client: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(3, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Bot API wire shapes, limited to the fields the bridge reads.
type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type wireUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text    string `json:"text"`
		Caption string `json:"caption"`
		Photo   []struct {
			FileID   string `json:"file_id"`
			FileSize int64  `json:"file_size"`
		} `json:"photo"`
	} `json:"message"`
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// call posts params to a bot API method and returns the raw result.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: encode: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("bridge %s: read response: %w", method, err)
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bridge %s: decode: %w", method, err)
	}
	if !env.OK {
		return nil, fmt.Errorf("bridge %s: api error: %s", method, env.Description)
	}
	return env.Result, nil
}

// Poll long-polls for the next batch of updates and converts them to
// Inbound messages. Photo attachments are downloaded here so the rest
// of the system only sees canonical images; a failed download skips
// that image but keeps the message text.
func (c *Client) Poll(ctx context.Context) ([]Inbound, error) {
	result, err := c.call(ctx, "getUpdates", map[string]any{
		"offset":  c.offset,
		"timeout": c.pollTimeout,
	})
	if err != nil {
		return nil, err
	}
	var updates []wireUpdate
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("bridge getUpdates: decode result: %w", err)
	}

	var out []Inbound
	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
		if u.Message == nil {
			continue
		}
		in := Inbound{
			ChatID: strconv.FormatInt(u.Message.Chat.ID, 10),
			Text:   u.Message.Text,
		}
		if in.Text == "" {
			in.Text = u.Message.Caption
		}
		if len(u.Message.Photo) > 0 {
			// The API lists several resolutions; take the largest.
			best := u.Message.Photo[0]
			for _, p := range u.Message.Photo[1:] {
				if p.FileSize > best.FileSize {
					best = p
				}
			}
			img, err := c.downloadFile(ctx, best.FileID)
			if err != nil {
				c.logger.Warn("inbound photo download failed",
					"chatID", in.ChatID, "fileID", best.FileID, "error", err)
			} else {
				in.Images = append(in.Images, img)
			}
		}
		if in.Text == "" && len(in.Images) == 0 {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// downloadFile resolves a file id to its storage path and fetches the
// bytes.
func (c *Client) downloadFile(ctx context.Context, fileID string) (*chat.Image, error) {
	result, err := c.call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(result, &file); err != nil || file.FilePath == "" {
		return nil, fmt.Errorf("bridge getFile: no file path")
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge file download: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, err
	}
	return chat.NewImage(data, resp.Header.Get("Content-Type")), nil
}

// SendText delivers text, splitting at the API limit on a newline
// boundary. With HTML markup enabled each chunk is rendered from
// markdown before sending; rendering failures fall back to plain text.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	for _, chunk := range splitText(text, maxTextLen) {
		params := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if c.htmlMarkup {
			if html, err := renderHTML(chunk); err == nil {
				params["text"] = html
				params["parse_mode"] = "HTML"
			}
		}
		if _, err := c.call(ctx, "sendMessage", params); err != nil {
			return err
		}
	}
	return nil
}

// SendPhoto uploads image bytes with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, chatID string, img *chat.Image, caption string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("bridge sendPhoto: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return fmt.Errorf("bridge sendPhoto: %w", err)
		}
	}
	part, err := w.CreateFormFile("photo", "image"+extForMIME(img.MIME))
	if err != nil {
		return fmt.Errorf("bridge sendPhoto: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return fmt.Errorf("bridge sendPhoto: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("bridge sendPhoto: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendPhoto"), &buf)
	if err != nil {
		return fmt.Errorf("bridge sendPhoto: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge sendPhoto: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge sendPhoto: %s", httpkit.ReadErrorBody(resp.Body, 512))
	}
	return nil
}

func extForMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// splitText cuts text into chunks of at most limit bytes, breaking at
// the last newline inside the window when there is one.
func splitText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if i := lastNewline(text[:limit]); i > 0 {
			cut = i
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
		if len(text) > 0 && text[0] == '\n' {
			text = text[1:]
		}
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
