//go:build linux

package fs

import "golang.org/x/sys/unix"

func adviseSequential(fd uintptr) error {
	err := unix.Fadvise(int(fd), 0, 0, unix.FADV_SEQUENTIAL)
	if err == unix.EINVAL || err == unix.ESPIPE {
		// Pipes and some special files reject the hint.
		return nil
	}
	return err
}
