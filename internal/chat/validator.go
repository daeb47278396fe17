package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 8192 // covers attachment descriptors encoded as strings
	MaxContentChars = 4000 // max character count for plain text
)

// ValidateContent checks that a message payload meets content requirements.
// Content is otherwise opaque to the server.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
