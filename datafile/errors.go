package datafile

import "errors"

// ErrEndOfData marks the first zero-size marker encountered while decoding:
// the unwritten tail of a datafile, not a corruption.
var ErrEndOfData = errors.New("datafile: end of written data")
