package tenant

import "errors"

var (
	// ErrTenantUnresolvable is returned when a tenant key is empty or malformed.
	ErrTenantUnresolvable = errors.New("stockroom: tenant key is empty or malformed")

	// ErrTenantNotFound is returned when no tenant record exists for a key.
	ErrTenantNotFound = errors.New("stockroom: tenant not found")

	// ErrInvalidName is returned when a tenant is created with a blank name.
	ErrInvalidName = errors.New("stockroom: tenant name is required")

	// ErrKeyExhausted is returned when tenant key generation keeps colliding.
	ErrKeyExhausted = errors.New("stockroom: could not allocate a unique tenant key")
)
