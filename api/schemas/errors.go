package schemas

import "errors"

// ErrRunNotFound is returned by RunStore lookups that match nothing.
var ErrRunNotFound = errors.New("assessment run not found")
