package txrx

import (
	"errors"
	"fmt"
)

// ErrResourceExhausted is returned when a ring or its buffer pool cannot take
// more work right now. It is never fatal: the caller backs off or drops.
var ErrResourceExhausted = errors.New("ring resources exhausted")

// ErrTooManySegments is returned when a packet still needs more descriptors
// than a single packet may use after coalescing it once.
var ErrTooManySegments = fmt.Errorf("%w: packet needs too many descriptors", ErrResourceExhausted)

var ErrEmptyPacket = errors.New("packet has no data")

// ErrQueueDisabled is returned for work submitted to a queue pair that is not
// enabled on the device.
var ErrQueueDisabled = errors.New("queue pair is not enabled")
