package adminq

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when the submit ring has no free slot.
	ErrQueueFull = errors.New("admin queue full")

	// ErrChannelTimeout is returned when the device did not consume or
	// complete a command in time. A polled timeout stalls the channel until Reset.
	ErrChannelTimeout = errors.New("admin channel timeout")

	// ErrCancelled resolves commands still outstanding when the channel drains
	// or when the caller cancels them.
	ErrCancelled = errors.New("admin command cancelled")

	// ErrNotOperating is returned for submissions outside the armed or
	// operating states.
	ErrNotOperating = errors.New("admin channel not operating")

	// ErrBufferTooLarge is returned when an attached buffer exceeds the
	// channel's buffer size.
	ErrBufferTooLarge = errors.New("admin buffer too large")
)

// ReturnCode is the firmware status carried in a completed descriptor.
type ReturnCode uint16

const (
	RCOK       ReturnCode = 0
	RCEPERM    ReturnCode = 1
	RCENOENT   ReturnCode = 2
	RCESRCH    ReturnCode = 3
	RCEINTR    ReturnCode = 4
	RCEIO      ReturnCode = 5
	RCENXIO    ReturnCode = 6
	RCE2BIG    ReturnCode = 7
	RCEAGAIN   ReturnCode = 8
	RCENOMEM   ReturnCode = 9
	RCEACCES   ReturnCode = 10
	RCEFAULT   ReturnCode = 11
	RCEBUSY    ReturnCode = 12
	RCEEXIST   ReturnCode = 13
	RCEINVAL   ReturnCode = 14
	RCENOTTY   ReturnCode = 15
	RCENOSPC   ReturnCode = 16
	RCENOSYS   ReturnCode = 17
	RCERANGE   ReturnCode = 18
	RCEFLUSHED ReturnCode = 19
	RCBADADDR  ReturnCode = 20
	RCEMODE    ReturnCode = 21
	RCEFBIG    ReturnCode = 22
)

var returnCodeNames = [...]string{
	"OK", "EPERM", "ENOENT", "ESRCH", "EINTR", "EIO", "ENXIO", "E2BIG",
	"EAGAIN", "ENOMEM", "EACCES", "EFAULT", "EBUSY", "EEXIST", "EINVAL",
	"ENOTTY", "ENOSPC", "ENOSYS", "ERANGE", "EFLUSHED", "BAD_ADDR", "EMODE",
	"EFBIG",
}

func (r ReturnCode) Error() string {
	if int(r) < len(returnCodeNames) {
		return returnCodeNames[r]
	}
	return fmt.Sprintf("return code %d", uint16(r))
}

// FirmwareError is a command the firmware completed with a non-zero status.
// It unwraps to its ReturnCode so callers can errors.Is(err, RCEBUSY).
type FirmwareError struct {
	Opcode Opcode
	Code   ReturnCode
}

func (e *FirmwareError) Error() string {
	return fmt.Sprintf("firmware rejected %s: %s", e.Opcode, e.Code.Error())
}

func (e *FirmwareError) Unwrap() error {
	return e.Code
}
