package uuid

import (
	"github.com/google/uuid"
)

// New generates a new UUID v4
func New() string {
	return uuid.New().String()
}

// NewUUID is an alias for New
func NewUUID() string {
	return New()
}

// Parse parses a UUID string
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// MustParse parses a UUID string and panics on error
func MustParse(s string) uuid.UUID {
	return uuid.MustParse(s)
}

// IsV4 reports whether s parses as a UUID with version 4, the shape
// required for every saga_id/user_id/cart_id/product_id on the wire.
func IsV4(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4
}
