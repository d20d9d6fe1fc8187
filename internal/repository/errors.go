package repository

import "errors"

// ErrNotFound is returned by a KV when a key has never been written.
//
// It abstracts away the backend's own "missing" signal (sql.ErrNoRows,
// redis.Nil, a nil bbolt value) so StateRepository can treat every backend
// the same way.
var ErrNotFound = errors.New("repository: not found")
