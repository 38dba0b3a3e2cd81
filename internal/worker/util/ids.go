package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID returns a fresh job id: a random UUID in hex without dashes.
// A new id is generated for every delivery, retries included.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
