//go:build !linux

package shm

import (
	"context"
	"errors"
)

var ErrNoUIODevice = errors.New("uio device not found")

func FindUIO(name string) (*UIODevice, error) {
	return nil, ErrUnsupported
}

func SetIRQ(fd int, enabled bool) error {
	return ErrUnsupported
}

func WaitIRQ(ctx context.Context, fd int) (uint32, error) {
	return 0, ErrUnsupported
}
