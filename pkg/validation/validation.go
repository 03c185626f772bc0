package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex validates room ID format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// MaxTextLength bounds a single chat message.
const MaxTextLength = 4000

// ValidateAuthor validates a chat author name
func ValidateAuthor(author string) error {
	author = strings.TrimSpace(author)
	if author == "" {
		return fmt.Errorf("author is required")
	}
	if len(author) > 50 {
		return fmt.Errorf("author is too long (max 50 characters)")
	}
	if !utf8.ValidString(author) {
		return fmt.Errorf("author contains invalid characters")
	}
	return nil
}

// ValidateText validates a chat message body
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text is required")
	}
	if len(text) > MaxTextLength {
		return fmt.Errorf("text is too long (max %d bytes)", MaxTextLength)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("text contains invalid characters")
	}
	return nil
}

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room ID is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}
