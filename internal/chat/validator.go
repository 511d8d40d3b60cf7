package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 8192 // 8KB max content payload
	MaxContentChars = 4000 // max character count
)

var (
	ErrEmptyContent      = errors.New("chat: message content is empty")
	ErrMissingAttachment = errors.New("chat: attachment message has no attachment")
	ErrUnknownType       = errors.New("chat: unknown message type")
)

// ValidateContent checks that outgoing message content meets the limits the
// server enforces. Text messages need non-empty text; image and file messages
// need at least one attachment and may carry an optional caption.
func ValidateContent(msgType MessageType, content string, attachments []Attachment) error {
	switch msgType {
	case TypeText:
		if strings.TrimSpace(content) == "" {
			return ErrEmptyContent
		}
	case TypeImage, TypeFile:
		if len(attachments) == 0 {
			return ErrMissingAttachment
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("chat: content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("chat: content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("chat: content contains invalid UTF-8")
	}
	return nil
}
