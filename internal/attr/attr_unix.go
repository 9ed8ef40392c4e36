//go:build unix

package attr

import (
	"io/fs"

	"golang.org/x/sys/unix"
)

// packNative reads the full Unix mode word via stat so that setuid/sticky
// bits survive; fs.FileInfo alone only carries the portable subset.
func packNative(path string, info fs.FileInfo) int64 {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return TagUnix | int64(info.Mode().Perm())<<8
	}
	return TagUnix | int64(st.Mode&0o7777)<<8
}

func applyNative(path string, a int64) error {
	if byte(a) != TagUnix {
		return nil
	}
	return unix.Chmod(path, uint32(a>>8)&0o7777)
}
