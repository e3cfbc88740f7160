package protocol

const (
	// Lookup layer.
	ErrNotFound = "E_NOT_FOUND"

	// Chamber creation: the address is taken within the hive. Callers may
	// treat this as success-equivalent; creation is idempotent by address.
	ErrAddressExists = "E_ADDRESS_EXISTS"

	// Request validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Migration single-flight: a run is already in progress. Not a
	// failure; poll for completion.
	ErrMigrationRunning = "E_MIGRATION_RUNNING"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrNotFound:         {},
	ErrAddressExists:    {},
	ErrBadRequest:       {},
	ErrMigrationRunning: {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
