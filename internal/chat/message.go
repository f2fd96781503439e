// Package chat defines the provider-neutral conversation model: ordered
// role-tagged messages composed of text and image content parts. Every
// other package speaks this model; translation to and from provider wire
// schemas happens at the adapter boundary.
package chat

import (
	"fmt"
	"net/http"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	Role    Role
	Content []Part
}

// Part is one element of a message's content: either text or an image.
// Exactly one of Text and Image is set.
type Part struct {
	Text  string
	Image *Image
}

// Image is an image content part. It is either a binary payload with an
// explicit MIME type, or an unresolved remote reference (URL set, Data
// empty). Remote references are resolved at the adapter boundary:
// OpenAI-style backends accept them on the wire, Anthropic requires a
// fetch and base64 re-encode first.
type Image struct {
	Data []byte
	MIME string
	URL  string
}

// NewImage wraps raw bytes as an Image. If mime is empty, the type is
// sniffed from the payload so the invariant "an image always carries an
// explicit MIME type" holds even for careless callers.
func NewImage(data []byte, mime string) *Image {
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &Image{Data: data, MIME: mime}
}

// ImageURL wraps a remote image reference that has not been fetched.
func ImageURL(url string) *Image {
	return &Image{URL: url}
}

// TextPart builds a text content part.
func TextPart(s string) Part {
	return Part{Text: s}
}

// ImagePart builds an image content part.
func ImagePart(img *Image) Part {
	return Part{Image: img}
}

// Text builds a single-part text message.
func Text(role Role, s string) Message {
	return Message{Role: role, Content: []Part{TextPart(s)}}
}

// UserMessage builds a user turn from text plus optional images.
func UserMessage(text string, images []*Image) Message {
	parts := []Part{TextPart(text)}
	for _, img := range images {
		parts = append(parts, ImagePart(img))
	}
	return Message{Role: RoleUser, Content: parts}
}

// FirstText returns the message's first text part, or "".
func (m Message) FirstText() string {
	for _, p := range m.Content {
		if p.Image == nil {
			return p.Text
		}
	}
	return ""
}

// Images returns the message's image parts in order.
func (m Message) Images() []*Image {
	var imgs []*Image
	for _, p := range m.Content {
		if p.Image != nil {
			imgs = append(imgs, p.Image)
		}
	}
	return imgs
}

// HasImages reports whether any message in conv carries an image part.
func HasImages(conv []Message) bool {
	for _, m := range conv {
		for _, p := range m.Content {
			if p.Image != nil {
				return true
			}
		}
	}
	return false
}

// Provider identifies a model backend.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGroq       Provider = "groq"
	ProviderOpenRouter Provider = "openrouter"
)

// openRouterPrefix is the local namespace for OpenRouter models. The
// prefix is never sent on the wire.
const openRouterPrefix = "openrouter:"

// ModelSelector names a backend plus the model id that backend expects.
type ModelSelector struct {
	Provider Provider
	ModelID  string
}

// ParseModel maps a user-facing model string to a selector. OpenAI and
// Anthropic models are recognized by their id prefixes ("gpt", "claude"),
// Groq models by "groq:", and OpenRouter models by the "openrouter:"
// namespace, which is stripped from the wire model id.
func ParseModel(s string) (ModelSelector, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, openRouterPrefix):
		id := s[len(openRouterPrefix):]
		if id == "" {
			return ModelSelector{}, fmt.Errorf("openrouter model id missing after %q", openRouterPrefix)
		}
		return ModelSelector{Provider: ProviderOpenRouter, ModelID: id}, nil
	case strings.HasPrefix(s, "groq:"):
		id := s[len("groq:"):]
		if id == "" {
			return ModelSelector{}, fmt.Errorf("groq model id missing after \"groq:\"")
		}
		return ModelSelector{Provider: ProviderGroq, ModelID: id}, nil
	case strings.HasPrefix(s, "claude"):
		return ModelSelector{Provider: ProviderAnthropic, ModelID: s}, nil
	case strings.HasPrefix(s, "gpt") || strings.HasPrefix(s, "o1") || strings.HasPrefix(s, "o3"):
		return ModelSelector{Provider: ProviderOpenAI, ModelID: s}, nil
	case s == "":
		return ModelSelector{}, fmt.Errorf("empty model string")
	default:
		return ModelSelector{}, fmt.Errorf("unrecognized model %q", s)
	}
}

// String renders the selector back to its user-facing form.
func (m ModelSelector) String() string {
	switch m.Provider {
	case ProviderOpenRouter:
		return openRouterPrefix + m.ModelID
	case ProviderGroq:
		return "groq:" + m.ModelID
	default:
		return m.ModelID
	}
}
