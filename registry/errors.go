package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry failure classification.
var (
	// ErrStorage wraps every durable-store failure. A failed store read is
	// always distinguishable from absence: Get returns (nil, nil) for a
	// missing entry and a storage error only when the store itself failed.
	ErrStorage = errors.New("registry: storage error")

	// ErrMigration wraps module schema migration failures.
	ErrMigration = errors.New("registry: migration error")
)

// storageErr wraps err so callers can match it with errors.Is(err, ErrStorage).
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}
