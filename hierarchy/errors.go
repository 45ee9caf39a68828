package hierarchy

import "errors"

var (
	// ErrInvalidID is returned when an entity id is not in the store's
	// native id format.
	ErrInvalidID = errors.New("stockroom: malformed entity id")

	// ErrNotFound is returned when an entity doesn't exist or is deleted.
	ErrNotFound = errors.New("stockroom: entity not found")

	// ErrParentNotFound is returned when a referenced parent or foreign
	// entity doesn't exist or is deleted.
	ErrParentNotFound = errors.New("stockroom: referenced entity not found")

	// ErrCyclicRelation is returned when a parent change would make an
	// entity its own ancestor.
	ErrCyclicRelation = errors.New("stockroom: relation would form a cycle")

	// ErrDuplicateName is returned when a unique field value is already
	// taken within the tenant and kind.
	ErrDuplicateName = errors.New("stockroom: duplicate value for unique field")

	// ErrReferenced is returned when a delete is vetoed because other
	// records still point at the entity.
	ErrReferenced = errors.New("stockroom: entity is referenced by other records")

	// ErrValidation is returned when required attributes are missing or
	// malformed.
	ErrValidation = errors.New("stockroom: validation failed")

	// ErrAlreadyExists is returned when creating an entity with an id that
	// is already taken.
	ErrAlreadyExists = errors.New("stockroom: entity already exists")

	// ErrConcurrentModification is returned when an optimistic lock fails
	// (version mismatch or a concurrent delete).
	ErrConcurrentModification = errors.New("stockroom: entity was modified concurrently")
)
