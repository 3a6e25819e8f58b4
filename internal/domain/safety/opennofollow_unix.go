//go:build unix

package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// openNoFollowAndResolve atomically opens path with O_NOFOLLOW, eliminating
// the TOCTOU window between a safety check and the actual open, then
// resolves the descriptor's real path via /proc/self/fd on Linux. On
// platforms without /proc (Darwin, BSD) it falls back to Clean+Abs, since
// O_NOFOLLOW having succeeded already proves the leaf is not a symlink.
func openNoFollowAndResolve(path string) (string, error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return "", err
	}
	defer syscall.Close(fd)

	procPath := fmt.Sprintf("/proc/self/fd/%d", fd)
	if real, err := os.Readlink(procPath); err == nil {
		return real, nil
	}
	return filepath.Abs(path)
}

func isELOOP(err error) bool {
	errno, ok := err.(syscall.Errno)
	return ok && errno == syscall.ELOOP
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
