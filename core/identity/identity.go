package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Identity names a principal interacting with the oracle: an operator calling the
// service, the configured owner, or the EVM peer the oracle relays to.
type Identity string

// Anonymous is the identity of callers that did not authenticate. It is also the
// owner value before an owner has been configured.
const Anonymous Identity = "anonymous"

const identityMaxLength = 256

// ErrInvalidIdentity is returned when the supplied identity does not satisfy the
// naming constraints.
var ErrInvalidIdentity = errors.New("identity: invalid identity")

// Parse trims and validates the supplied identity. Identities are compared by
// exact match so casing is preserved.
func Parse(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(trimmed) > identityMaxLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, identityMaxLength)
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidIdentity)
		}
	}
	return Identity(trimmed), nil
}

// IsAnonymous reports whether id is the anonymous identity.
func (id Identity) IsAnonymous() bool {
	return id == Anonymous || id == ""
}

func (id Identity) String() string {
	if id == "" {
		return string(Anonymous)
	}
	return string(id)
}
