package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier suitable for transaction ids.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewDeviceName returns a device display name for a fresh login.
func NewDeviceName(app string) string {
	return app + "-" + NewID()[:8]
}
