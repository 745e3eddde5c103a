package chat

import "strings"

// MaxContentChars bounds message text length (runes).
const MaxContentChars = 4000

// ValidateContent trims s and returns the text to send.
func ValidateContent(s string) (string, error) {
	text := strings.TrimSpace(s)
	if text == "" {
		return "", ErrEmptyContent
	}
	if len([]rune(text)) > MaxContentChars {
		return "", ErrContentTooLong
	}
	return text, nil
}
