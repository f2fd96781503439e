package session

import "github.com/parleybot/parley/internal/chat"

// Format is a session's response format preference.
type Format string

const (
	FormatAuto  Format = "auto"  // deliver whatever the model returned
	FormatText  Format = "text"  // strip images
	FormatImage Format = "image" // strip text
	FormatBoth  Format = "both"  // require both halves, annotate what is missing
)

// ParseFormat validates a user-supplied format string. Unknown values
// return false and the caller keeps the current preference.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatAuto, FormatText, FormatImage, FormatBoth:
		return Format(s), true
	}
	return "", false
}

// ApplyFormat filters an assistant reply according to the preference.
// Unknown formats behave as auto.
func ApplyFormat(text string, images []*chat.Image, f Format) (string, []*chat.Image) {
	switch f {
	case FormatText:
		return text, nil
	case FormatImage:
		if len(images) == 0 {
			return "The model returned no image for this request. Response: " + text, nil
		}
		return "", images
	case FormatBoth:
		if text == "" && len(images) > 0 {
			return "Image generated (no text explanation was provided).", images
		}
		if len(images) == 0 {
			return text + "\n\n(Note: no image was generated for this response.)", nil
		}
		return text, images
	default:
		return text, images
	}
}
