package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// HeaderAPIKey carries the shared sync key on mutating requests.
const HeaderAPIKey = "X-API-Key"

const queryAPIKey = "api_key"

var (
	ErrMissingSharedKey  = errors.New("key validator: shared key required")
	ErrMissingRequestKey = errors.New("key validator: request key missing")
	ErrInvalidRequestKey = errors.New("key validator: request key mismatch")
)

// KeyValidator compares request keys against the single shared secret configured for all devices.
type KeyValidator struct {
	sharedKey []byte
}

// NewKeyValidator constructs a validator for the shared key.
func NewKeyValidator(sharedKey string) (*KeyValidator, error) {
	if sharedKey == "" {
		return nil, ErrMissingSharedKey
	}
	return &KeyValidator{sharedKey: []byte(sharedKey)}, nil
}

// ValidateKey reports whether the presented key matches the shared key exactly.
func (v *KeyValidator) ValidateKey(presented string) error {
	if presented == "" {
		return ErrMissingRequestKey
	}
	if subtle.ConstantTimeCompare([]byte(presented), v.sharedKey) != 1 {
		return ErrInvalidRequestKey
	}
	return nil
}

// ValidateRequest extracts the key from the X-API-Key header, the api_key query parameter or the
// Authorization header, in that order, and validates it.
func (v *KeyValidator) ValidateRequest(r *http.Request) error {
	if r == nil {
		return ErrMissingRequestKey
	}
	return v.ValidateKey(RequestKey(r))
}

// RequestKey returns the first key candidate present on the request.
func RequestKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	if key := r.URL.Query().Get(queryAPIKey); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get("Authorization"))
}
