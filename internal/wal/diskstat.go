package wal

import "golang.org/x/sys/unix"

// DiskFreeRatio reports the fraction of the filesystem backing path that is
// currently free, used as the diskFreeRatio callback for both Manager's
// hard-quota check and the readiness checker's disk probe.
func DiskFreeRatio(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	if stat.Blocks == 0 {
		return 0, nil
	}
	return float64(stat.Bavail) / float64(stat.Blocks), nil
}
