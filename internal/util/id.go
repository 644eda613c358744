package util

import "github.com/google/uuid"

// NewID returns a client-generated UUID string. IDs are stable: the id minted
// locally is the id the remote service stores.
func NewID() string {
	return uuid.NewString()
}
