//go:build windows

package attr

import (
	"io/fs"

	"golang.org/x/sys/windows"
)

func packNative(path string, info fs.FileInfo) int64 {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return TagNone
	}
	a, err := windows.GetFileAttributes(p)
	if err != nil {
		return TagNone
	}
	return TagWindows | int64(a)<<8
}

func applyNative(path string, a int64) error {
	if byte(a) != TagWindows {
		return nil
	}
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	return windows.SetFileAttributes(p, uint32(a>>8))
}
