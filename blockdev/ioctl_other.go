//go:build !linux

package blockdev

import "fmt"

func ioctlSize(path string) (int64, error) {
	return 0, fmt.Errorf("size of %s: block device ioctl unsupported on this platform", path)
}
