//go:build !windows

package diskspace

import (
	"os"

	"golang.org/x/sys/unix"
)

// Probe returns free/total bytes for the filesystem containing path.
func Probe(path string) (Stats, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return Stats{}, err
	}
	bsize := uint64(fs.Bsize) // #nosec G115 - Bsize is always small and positive
	return Stats{
		FreeBytes:  fs.Bavail * bsize,
		TotalBytes: fs.Blocks * bsize,
	}, nil
}

// FileSize returns the size in bytes of the file at path.
func FileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
