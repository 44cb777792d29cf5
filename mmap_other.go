//go:build !unix

package kclist

import (
	"os"

	"github.com/pkg/errors"
)

// mapFile reads path into memory. Platforms without mmap support get a
// plain copy; the release function is a no-op.
func mapFile(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, errors.Errorf("%s is empty", path)
	}
	return data, func() error { return nil }, nil
}
