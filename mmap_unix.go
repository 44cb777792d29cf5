//go:build unix

package kclist

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mapFile maps path read-only into memory. The returned release function
// unmaps it and must be called exactly once.
func mapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "stat %s", path)
	}
	if !fi.Mode().IsRegular() {
		return nil, nil, errors.Errorf("%s is not a regular file", path)
	}
	size := fi.Size()
	if size == 0 {
		return nil, nil, errors.Errorf("%s is empty", path)
	}
	if int64(int(size)) != size {
		return nil, nil, errors.Errorf("%s is too large to map (%d bytes)", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap %s", path)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
