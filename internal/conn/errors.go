package conn

import "errors"

// ErrProtocolViolation is the close reason logged when a frame arrives in a
// state that does not permit it.
var ErrProtocolViolation = errors.New("conn: protocol violation")

// ErrIdleTimeout is the close reason when a Connected connection exceeds
// its keep-alive-derived idle deadline without sending a frame.
var ErrIdleTimeout = errors.New("conn: idle timeout")
