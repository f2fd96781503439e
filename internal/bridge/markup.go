package bridge

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
)

// renderHTML converts a markdown reply into the restricted HTML the
// bot API accepts: block-level tags the renderer emits are flattened
// back to newlines, inline formatting is kept.
func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return flattenBlocks(buf.String()), nil
}

// flattenBlocks strips paragraph and heading wrappers, which the bot
// API rejects, while preserving their line structure.
func flattenBlocks(html string) string {
	replacer := strings.NewReplacer(
		"<p>", "",
		"</p>", "\n",
		"<h1>", "<b>", "</h1>", "</b>\n",
		"<h2>", "<b>", "</h2>", "</b>\n",
		"<h3>", "<b>", "</h3>", "</b>\n",
		"<h4>", "<b>", "</h4>", "</b>\n",
		"<h5>", "<b>", "</h5>", "</b>\n",
		"<h6>", "<b>", "</h6>", "</b>\n",
		"<ul>", "", "</ul>", "",
		"<ol>", "", "</ol>", "",
		"<li>", "• ", "</li>", "\n",
		"<em>", "<i>", "</em>", "</i>",
		"<strong>", "<b>", "</strong>", "</b>",
		"<hr>", "—\n", "<hr/>", "—\n", "<hr />", "—\n",
		"<br>", "\n", "<br/>", "\n", "<br />", "\n",
	)
	return strings.TrimSpace(replacer.Replace(html))
}
