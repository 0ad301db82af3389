package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage is returned for opaque store failures (connectivity,
	// server-side errors, timeouts). The underlying cause is carried in
	// the wrapped message but is not part of the contract.
	ErrStorage = errors.New("arbor: storage failure")

	// ErrDeserialization is returned when a stored document's shape does
	// not match the expected entity schema. It indicates data corruption
	// or schema drift and is never silently skipped.
	ErrDeserialization = errors.New("arbor: stored document does not match entity schema")

	// ErrStoreNotAvailable is returned when no DynamoDB client was
	// supplied. This is a wiring defect, not a runtime condition.
	ErrStoreNotAvailable = errors.New("arbor: store client not available")

	// ErrCounterNotProvisioned is returned when no counter row exists for
	// an id category. Counter rows are provisioned out of band and are
	// never auto-created.
	ErrCounterNotProvisioned = errors.New("arbor: counter not provisioned")

	// ErrNotFound is returned when a referenced entity does not exist.
	// Callers that know which entity they were resolving wrap it in a
	// NotFoundError.
	ErrNotFound = errors.New("arbor: entity not found")
)

// NotFoundError identifies the missing entity by kind and id. It matches
// ErrNotFound under errors.Is.
type NotFoundError struct {
	Kind string
	ID   uint32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("arbor: %s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// storageFailure wraps a raw SDK error into the ErrStorage class, keeping
// the operation name and the original message for logs.
func storageFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}

// deserializationFailure wraps an attributevalue unmarshal error into the
// ErrDeserialization class.
func deserializationFailure(table string, err error) error {
	return fmt.Errorf("%s: %w: %v", table, ErrDeserialization, err)
}
