package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxIDLength caps request and session ids at UUID length
	MaxIDLength = 36
	// PrefixLength is the length of the random prefix added to client-supplied request ids
	PrefixLength = 5
	// MaxCustomIDLength leaves room for the prefix and a hyphen
	MaxCustomIDLength = MaxIDLength - PrefixLength - 1

	// sessionPrefix marks ids generated by the gateway rather than chosen by a client
	sessionPrefix = "gw-"
)

var (
	sanitizeRegex           = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	consecutiveHyphensRegex = regexp.MustCompile(`-+`)
	sessionIDRegex          = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,64}$`)
)

// GenerateRequestID creates a log-correlation id from an optional client value.
// Format: {5-random-chars}-{sanitized-custom-id}, or a UUID when nothing usable remains.
func GenerateRequestID(customID string) string {
	sanitized := strings.ReplaceAll(customID, " ", "-")
	sanitized = sanitizeRegex.ReplaceAllString(sanitized, "")
	sanitized = consecutiveHyphensRegex.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if sanitized == "" {
		return uuid.New().String()
	}

	if len(sanitized) > MaxCustomIDLength {
		sanitized = sanitized[:MaxCustomIDLength]
	}

	return randomPrefix() + "-" + sanitized
}

// NewSessionID returns a fresh gateway-generated session id
func NewSessionID() string {
	return sessionPrefix + uuid.New().String()
}

// ValidateSessionID checks a client-chosen session id.
// Ids are forwarded to backend instances verbatim, so the alphabet is kept narrow.
func ValidateSessionID(id string) error {
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session id %q: expected 1-64 characters of [a-zA-Z0-9_.:-]", id)
	}
	return nil
}

func randomPrefix() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()[:PrefixLength]
	}
	return hex.EncodeToString(buf)[:PrefixLength]
}
