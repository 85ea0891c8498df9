package firecracker

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// cloneFile copies src to dst, sharing extents with a reflink when the
// filesystem supports it. It reports whether the clone succeeded.
func cloneFile(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return false, err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return false, err
	}
	defer out.Close()

	if tryCloneFile(out, in) {
		return true, nil
	}
	if _, err := io.Copy(out, in); err != nil {
		return false, err
	}
	return false, out.Sync()
}

func copyFile(src, dst string) error {
	if _, err := cloneFile(src, dst); err != nil {
		return err
	}
	// OpenFile only applies the mode to new files.
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode().Perm())
}

// linkOrCopy hard-links src to dst, copying only when the two paths are on
// different filesystems.
func linkOrCopy(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EXDEV) {
		return copyFile(src, dst)
	}
	return err
}
