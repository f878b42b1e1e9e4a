package reliability

import "strings"

// Category buckets agent-call failures into the small fixed set surfaced to
// clients. Raw error text stays server-side.
type Category string

const (
	CategoryUnavailable Category = "unavailable"
	CategoryRateLimited Category = "rate_limited"
	CategoryAuth        Category = "auth_failed"
	CategoryBadRequest  Category = "bad_request"
	CategoryUnknown     Category = "unknown"
)

// userMessages is the complete client-facing error vocabulary. Keeping it
// closed prevents internal detail from leaking through broadcast errors.
var userMessages = map[Category]string{
	CategoryUnavailable: "The agent service is temporarily unavailable. Please try again.",
	CategoryRateLimited: "Rate limit exceeded. Please wait a moment and try again.",
	CategoryAuth:        "Authentication with the agent service failed.",
	CategoryBadRequest:  "The request was malformed and was rejected.",
	CategoryUnknown:     "The agent call failed.",
}

// Classify inspects error text and maps it onto a category. Matching is
// deliberately substring-based: upstream errors arrive as free text from
// several transports.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	text := strings.ToLower(err.Error())

	switch {
	case containsAny(text, "rate limit", "rate_limit", "too many requests", "429"):
		return CategoryRateLimited
	case containsAny(text, "unauthorized", "authentication", "invalid api key", "api key", "401", "403"):
		return CategoryAuth
	case containsAny(text, "overloaded", "unavailable", "timeout", "timed out", "connection refused", "connection reset", "502", "503", "504", "529"):
		return CategoryUnavailable
	case containsAny(text, "invalid request", "malformed", "bad request", "400", "unsupported model", "unknown model"):
		return CategoryBadRequest
	default:
		return CategoryUnknown
	}
}

// UserMessage returns the fixed client-facing message for a category.
func UserMessage(cat Category) string {
	if msg, ok := userMessages[cat]; ok {
		return msg
	}
	return userMessages[CategoryUnknown]
}

// Retryable reports whether a category is worth automatic retry by a client.
func Retryable(cat Category) bool {
	switch cat {
	case CategoryUnavailable, CategoryRateLimited:
		return true
	default:
		return false
	}
}

func containsAny(text string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
