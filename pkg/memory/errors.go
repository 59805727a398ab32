package memory

import "errors"

// ErrNotFound denotes that no saved device exists for an address
var ErrNotFound = errors.New("saved device not found")
