package packet

import (
	"errors"
	"fmt"
)

var (
	ErrBuildFailed               = errors.New("packet build failed")
	ErrBufferTooSmall            = errors.New("buffer too small")
	ErrInvalidParameters         = errors.New("invalid packet parameters")
	ErrIncompatibleAddressFamily = errors.New("incompatible address family")
)

// BufferTooSmallError is returned when the caller's buffer cannot hold the
// smallest encoding of the requested packet type.
type BufferTooSmallError struct {
	Required  int
	Available int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("buffer too small: required %d bytes, available %d", e.Required, e.Available)
}

func (e *BufferTooSmallError) Unwrap() error {
	return ErrBufferTooSmall
}
