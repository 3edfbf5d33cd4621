package validation

import "regexp"

var (
	indexPattern  = regexp.MustCompile(`\[\d+\]`)
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	urlPattern    = regexp.MustCompile(`(?:https?|urn):[^\s,;)]+`)
	uuidPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
)

// PathPattern replaces array indices with [*] so issues on different
// repetitions of an element group together.
func PathPattern(path string) string {
	return indexPattern.ReplaceAllString(path, "[*]")
}

// MessageTemplate strips the variable parts of an issue message.
func MessageTemplate(msg string) string {
	msg = quotedPattern.ReplaceAllString(msg, "{value}")
	msg = urlPattern.ReplaceAllString(msg, "{url}")
	msg = uuidPattern.ReplaceAllString(msg, "{id}")
	return numberPattern.ReplaceAllString(msg, "{n}")
}

// Signature is the stable identity of an issue shape across resources and runs.
func Signature(aspect Aspect, is Issue) string {
	return hashStrings(
		string(aspect),
		string(is.Severity),
		is.Code,
		PathPattern(is.CanonicalPath),
		MessageTemplate(is.Message),
	)
}
