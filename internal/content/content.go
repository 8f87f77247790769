package content

import (
	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.UGCPolicy()

// Sanitize removes unsafe HTML from the input string using a strict
// policy. Message bodies pass through here before persistence so a
// stored message can be rendered by any client without re-escaping.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}
