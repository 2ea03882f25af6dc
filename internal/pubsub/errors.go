package pubsub

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Recv once the subscriber's broadcaster has been
// closed (Registry.Remove) and every frame already buffered has been read.
var ErrClosed = errors.New("pubsub: broadcaster closed")

// LaggedError reports that a subscriber fell behind the ring buffer by more
// than its capacity; the skipped messages are gone and the subscriber's
// cursor is advanced to the oldest message still retained.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("pubsub: subscriber lagged, skipped %d messages", e.Skipped)
}
