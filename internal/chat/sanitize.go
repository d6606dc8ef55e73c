package chat

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// strictPolicy strips all markup; user content is stored and forwarded as
// plain text only.
var strictPolicy = bluemonday.StrictPolicy()

// sanitizeContent removes markup from accepted chat content before it is
// persisted or sent upstream.
func sanitizeContent(content string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(content))
}
