//go:build unix

package fsx

import (
	"errors"
	"syscall"
)

func isEXDEV(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.EXDEV
}
