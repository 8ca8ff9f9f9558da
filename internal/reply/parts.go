// Package reply splits backend replies into deliverable message parts.
package reply

import (
	"regexp"
	"strings"

	"dify-relay/internal/domain"
)

// mediaRef matches [caption](url), optionally prefixed with '!'.
var mediaRef = regexp.MustCompile(`!?\[(.*?)\]\((.*?)\)`)

// Split scans text left to right and returns its text and media parts in
// order. Text segments are trimmed and dropped when empty. A reference with an
// empty URL yields no part.
func Split(text string) []domain.Part {
	var parts []domain.Part
	last := 0
	for _, loc := range mediaRef.FindAllStringSubmatchIndex(text, -1) {
		parts = appendText(parts, text[last:loc[0]])
		last = loc[1]
		url := strings.TrimSpace(text[loc[4]:loc[5]])
		if url == "" {
			continue
		}
		parts = append(parts, domain.Part{
			Caption:  text[loc[2]:loc[3]],
			MediaURL: url,
		})
	}
	return appendText(parts, text[last:])
}

func appendText(parts []domain.Part, segment string) []domain.Part {
	if s := strings.TrimSpace(segment); s != "" {
		return append(parts, domain.Part{Text: s})
	}
	return parts
}
