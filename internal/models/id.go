package models

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a 32-character hex identifier for chats, dispatches, and
// continuations.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
