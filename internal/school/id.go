package school

import "github.com/google/uuid"

// Identifier prefixes used for client and server generated records.
const (
	PrefixStudent    = "s"
	PrefixAttendance = "a"
	PrefixPayment    = "pay"
)

// IDProvider issues record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct {
	prefix string
}

// NewUUIDProvider constructs an IDProvider that issues <prefix>_<UUIDv7> identifiers.
func NewUUIDProvider(prefix string) IDProvider {
	return &uuidProvider{prefix: prefix}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	if p.prefix == "" {
		return value.String(), nil
	}
	return p.prefix + "_" + value.String(), nil
}
