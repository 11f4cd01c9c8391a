package redis

import (
	"regexp"
	"strings"
)

// Entity names used in templates and extracted parameter maps.
const (
	EntityLocation = "LOCATION"
	EntityDate     = "DATE"
	EntityEmail    = "EMAIL"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	datePattern  = regexp.MustCompile(`(?i)\b(tomorrow|today)\b`)
)

// CreateTemplate normalizes a goal into an entity template plus the values
// extracted from it. "Book flight to Paris tomorrow" becomes
// "Book flight to {LOCATION} {DATE}" with {LOCATION: Paris, DATE: tomorrow}.
// Goals with no recognizable entities template to themselves.
func CreateTemplate(goal string) (string, map[string]string) {
	template := goal
	params := make(map[string]string)

	if email := emailPattern.FindString(template); email != "" {
		params[EntityEmail] = email
		template = strings.ReplaceAll(template, email, "{"+EntityEmail+"}")
	}
	if raw := extractLocation(template); raw != "" {
		// The parameter carries the normalized form plans reference; the
		// template substitutes the word as the goal spelled it.
		lower := strings.ToLower(raw)
		params[EntityLocation] = strings.ToUpper(lower[:1]) + lower[1:]
		template = strings.ReplaceAll(template, raw, "{"+EntityLocation+"}")
	}
	if date := datePattern.FindString(template); date != "" {
		params[EntityDate] = strings.ToLower(date)
		template = datePattern.ReplaceAllString(template, "{"+EntityDate+"}")
	}
	return template, params
}

// extractLocation finds the destination word after a " to " that is not a
// placeholder or an email, returned exactly as the text spells it.
func extractLocation(text string) string {
	lower := strings.ToLower(text)
	offset := 0
	for {
		idx := strings.Index(lower[offset:], " to ")
		if idx < 0 {
			return ""
		}
		start := offset + idx + len(" to ")
		fields := strings.Fields(text[start:])
		if len(fields) == 0 {
			return ""
		}
		word := strings.Trim(fields[0], ".,!?")
		if word != "" && !strings.HasPrefix(word, "{") && !emailPattern.MatchString(word) {
			return word
		}
		offset = start
	}
}
