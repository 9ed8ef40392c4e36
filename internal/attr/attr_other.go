//go:build !unix && !windows

package attr

import (
	"io/fs"
	"os"
)

func packNative(_ string, info fs.FileInfo) int64 {
	return TagUnix | int64(info.Mode().Perm())<<8
}

func applyNative(path string, a int64) error {
	if byte(a) != TagUnix {
		return nil
	}
	return os.Chmod(path, fs.FileMode(a>>8)&fs.ModePerm)
}
