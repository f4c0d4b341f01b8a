package pcp

import "errors"

// ErrInvalidArgument is surfaced internally, not already covered by a
// Status value returned at the API boundary.
var ErrInvalidArgument = errors.New("pcp: invalid argument")
