package preflight

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MinFreeBytes is the free space required on directories that receive
// outputs.
var MinFreeBytes uint64 = 1 << 30

// CheckDirectoryAccess verifies that the directory exists and is readable,
// and writable when write is set.
func CheckDirectoryAccess(name, path string, write bool) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	mode, label := uint32(unix.R_OK|unix.X_OK), "read ok"
	if write {
		mode, label = unix.R_OK|unix.W_OK|unix.X_OK, "read/write ok"
	}
	if err := unix.Access(path, mode); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, label)}
}

// CheckFreeSpace verifies that the filesystem holding path has at least min
// bytes available to unprivileged users.
func CheckFreeSpace(name, path string, min uint64) Result {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	free := st.Bavail * uint64(st.Bsize)
	if free < min {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s free, need %s)", path, formatBytes(free), formatBytes(min))}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s free)", path, formatBytes(free))}
}

// CheckFile verifies that path names a readable regular file.
func CheckFile(name, path string) Result {
	if path == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.Mode().IsRegular() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not a regular file)", path)}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, formatBytes(uint64(info.Size())))}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
