package store

import "errors"

// ErrStoreUnavailable indicates both the primary and the fallback
// backend failed the operation. Primary-only failures are absorbed:
// logged, counted, and served from the fallback.
var ErrStoreUnavailable = errors.New("store unavailable: both backends failed")

// ErrKeyNotFound indicates a missing configuration key.
var ErrKeyNotFound = errors.New("key not found")
