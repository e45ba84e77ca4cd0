package cache

import "errors"

var (
	// ErrNotFound is returned when a requested key is not found in the cache
	ErrNotFound = errors.New("key not found in cache")

	// ErrStoreUnavailable is returned when the backing store cannot serve a request
	ErrStoreUnavailable = errors.New("cache store unavailable")

	// ErrInvalidKey is returned when a key is invalid
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrInvalidValue is returned when a stored value cannot be decoded
	ErrInvalidValue = errors.New("invalid cache value")
)

// IsNotFound reports whether err is a cache miss
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err signals an unreachable or failing store
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
