//go:build !unix

package safety

import (
	"os"
	"path/filepath"
)

// openNoFollowAndResolve has no O_NOFOLLOW equivalent on this platform;
// best effort falls back to plain resolution.
func openNoFollowAndResolve(path string) (string, error) {
	if _, err := os.Lstat(path); err != nil {
		return "", err
	}
	return filepath.Abs(path)
}

func isELOOP(err error) bool {
	return false
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
