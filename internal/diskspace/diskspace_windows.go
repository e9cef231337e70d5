//go:build windows

package diskspace

import (
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procGetDiskFreeSpace = kernel32.NewProc("GetDiskFreeSpaceExW")
)

// Probe returns free/total bytes for the filesystem containing path.
func Probe(path string) (Stats, error) {
	var freeAvail, total, totalFree uint64
	p, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return Stats{}, err
	}
	r, _, err := procGetDiskFreeSpace.Call(
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(&freeAvail)),
		uintptr(unsafe.Pointer(&total)),
		uintptr(unsafe.Pointer(&totalFree)),
	)
	if r == 0 {
		return Stats{}, err
	}
	return Stats{FreeBytes: freeAvail, TotalBytes: total}, nil
}

// FileSize returns the size in bytes of the file at path.
func FileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
