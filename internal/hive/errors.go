package hive

import "errors"

var (
	// ErrNotFound covers chamber, hive, and assignment lookups that miss.
	ErrNotFound = errors.New("not found")

	// ErrAddressExists is returned when a chamber address is already taken
	// within a hive. Callers treat it as success-equivalent: chamber
	// creation is idempotent by address.
	ErrAddressExists = errors.New("chamber address already exists")
)
