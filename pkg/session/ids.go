package session

import (
	"strings"

	"github.com/google/uuid"
)

// NewSessionID generates a process-unique session identifier. Unlike the
// teacher's id_generator.go (a pooled hex generator seeded off time.Now),
// this uses google/uuid's random (v4) generator directly.
func NewSessionID() string {
	return uuid.NewString()
}

// NewTag generates a SIP From/To tag (RFC 3261 §19.3 requires at least 32
// bits of randomness; a UUID comfortably clears that bar).
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewCallID generates a Call-ID header value. The host part is left for the
// caller to append (RFC 3261 §8.1.1.4 recommends localid@host).
func NewCallID() string {
	return uuid.NewString()
}

// NewBranch generates a magic-cookie-prefixed transaction branch id
// (RFC 3261 §8.1.1.7).
func NewBranch() string {
	return "z9hG4bK" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
