//go:build !linux && !darwin && !freebsd

package storage

func statFree(string) (uint64, error) {
	return 0, ErrSpaceUnknown
}
