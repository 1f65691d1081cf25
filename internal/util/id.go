package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID without dashes, prefixed as "<prefix>_<hex>".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
