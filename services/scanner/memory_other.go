//go:build !linux

package scanner

import "errors"

func memoryInfo() (total, free uint64, err error) {
	return 0, 0, errors.New("memory stats are only collected on linux")
}
