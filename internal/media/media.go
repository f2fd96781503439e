// Package media normalizes image payloads coming back from providers.
// Some backends return the same generated image through two response
// paths (a side-array and inline multipart content); this package picks
// one container, resolves data URLs, and deduplicates repeats so the
// caller forwards each image exactly once.
package media

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/parleybot/parley/internal/chat"
)

// Candidate is an image reference extracted from a provider response
// before resolution. Exactly one of URL and Data is set.
type Candidate struct {
	URL  string // data: URL or remote URL
	Data []byte // already-decoded payload
	MIME string // required when Data is set
}

// ParseDataURL decodes an RFC 2397 data URL of the form
// "data:<mime>;base64,<payload>". It returns the payload bytes and the
// declared MIME type.
func ParseDataURL(s string) ([]byte, string, error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, "", fmt.Errorf("not a data URL")
	}
	rest := s[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, "", fmt.Errorf("malformed data URL: no comma")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	mime, encoded := meta, false
	if strings.HasSuffix(meta, ";base64") {
		mime = strings.TrimSuffix(meta, ";base64")
		encoded = true
	}
	if mime == "" {
		mime = "text/plain"
	}
	if !encoded {
		return nil, "", fmt.Errorf("data URL is not base64-encoded")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URL payload: %w", err)
	}
	return data, mime, nil
}

// Result is the outcome of normalizing a response's image candidates.
type Result struct {
	Images []*chat.Image
	// Markers holds visible placeholders for remote image URLs that
	// could not be resolved inline, e.g. "[Image URL: https://…]".
	// They are appended to the reply text rather than silently dropped.
	Markers []string
}

// Normalize resolves and deduplicates a response's image candidates.
// The side-array takes precedence: when any of its entries is
// well-formed, inline content images are ignored entirely, which
// prevents forwarding the same image twice from two containers.
func Normalize(side, inline []Candidate, d *Deduper) Result {
	if d == nil {
		d = NewDeduper(DefaultSizeRatio)
	}

	res := resolve(side, d)
	if len(res.Images) > 0 {
		return res
	}

	inlineRes := resolve(inline, d)
	inlineRes.Markers = append(res.Markers, inlineRes.Markers...)
	return inlineRes
}

func resolve(candidates []Candidate, d *Deduper) Result {
	var res Result
	for _, c := range candidates {
		img, marker := c.resolve()
		if marker != "" {
			res.Markers = append(res.Markers, marker)
			continue
		}
		if img == nil {
			continue // malformed payload, skip
		}
		if d.Keep(img) {
			res.Images = append(res.Images, img)
		}
	}
	return res
}

// resolve turns a candidate into an image, a URL marker, or nothing
// (malformed payloads are dropped, the rest of the reply survives).
func (c Candidate) resolve() (*chat.Image, string) {
	if len(c.Data) > 0 {
		return chat.NewImage(c.Data, c.MIME), ""
	}
	if c.URL == "" {
		return nil, ""
	}
	if strings.HasPrefix(c.URL, "data:") {
		data, mime, err := ParseDataURL(c.URL)
		if err != nil || len(data) == 0 {
			return nil, ""
		}
		return chat.NewImage(data, mime), ""
	}
	// Remote URL we will not fetch here: surface it visibly.
	return nil, fmt.Sprintf("[Image URL: %s]", c.URL)
}
