//go:build !linux

package shm

import "context"

func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return ErrUnsupported
}

func PageSize() int {
	return 4096
}
