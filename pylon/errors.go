package pylon

import (
	"errors"
	"fmt"
)

var (
	// ErrOverflow indicates the receive buffer filled up before the end marker.
	ErrOverflow = errors.New("frame overflow")
	// ErrTimeout indicates no end marker arrived before the receive deadline.
	ErrTimeout = errors.New("frame timeout")
	// ErrChecksum indicates the frame checksum did not validate.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrLength indicates the declared INFO length does not match the frame.
	ErrLength = errors.New("length mismatch")
	// ErrInvalidHex indicates the frame body is not hex-ASCII.
	ErrInvalidHex = errors.New("invalid hex")
	// ErrOutOfSequence indicates a Send while a previous exchange is unresolved.
	ErrOutOfSequence = errors.New("send while exchange in flight")
)

// DeviceError wraps a non-normal response code (CID2) reported by the BMS.
type DeviceError struct {
	Code ResponseCode
}

// Error implements error.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error 0x%02X (%s)", byte(e.Code), e.Code)
}
