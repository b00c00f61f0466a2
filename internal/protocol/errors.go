package protocol

import "errors"

// ErrMalformed marks a line that is not a valid envelope. The stream stays usable.
var ErrMalformed = errors.New("malformed message")
