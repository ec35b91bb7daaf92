// Package fs provides the filesystem predicates and helpers the build steps rely on.
// Presence checks here are the only notion of "up to date" that astbuild has.
package fs

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/peterebden/go-deferred-regex"
)

// DirPermissions are the default permission bits we apply to directories.
const DirPermissions = os.ModeDir | 0775

var homeRex = deferredregex.DeferredRegex{Re: `^~(/|$)`}

// EnsureDir ensures that the directory of the given file has been created.
func EnsureDir(filename string) error {
	return os.MkdirAll(filepath.Dir(filename), DirPermissions)
}

// PathExists returns true if the given path exists, as a file, a directory or a symlink.
// Broken symlinks count as existing.
func PathExists(filename string) bool {
	_, err := os.Lstat(filename)
	return err == nil
}

// FileExists returns true if the given path exists and is a regular file, following symlinks.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && info.Mode().IsRegular()
}

// IsDirectory checks if a given path is a directory, following symlinks.
func IsDirectory(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && info.IsDir()
}

// IsSymlink returns true if the given path is a symlink, whether or not its target exists.
func IsSymlink(filename string) bool {
	info, err := os.Lstat(filename)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

// WriteFile writes data from a reader to the file named 'to', with an attempt to perform
// a copy & rename to avoid chaos if anything goes wrong partway.
// The file is only visible under its final name once it has been completely written.
func WriteFile(from io.Reader, to string, mode os.FileMode) error {
	dir, file := filepath.Split(to)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, "."+file+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name()) // Harmless once the rename has happened.
	if _, err := io.Copy(tempFile, from); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0664
	}
	if err := os.Chmod(tempFile.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tempFile.Name(), to)
}

// ExpandHomePath expands a leading ~ to $HOME.
func ExpandHomePath(path string) string {
	return ExpandHomePathTo(path, os.Getenv("HOME"))
}

// ExpandHomePathTo expands a leading ~ to the given string. ~user forms are left alone.
func ExpandHomePathTo(path, to string) string {
	return homeRex.ReplaceAllStringFunc(path, func(prefix string) string {
		return to + prefix[1:]
	})
}

// NewestModTime returns the most recent modification time of any regular file under the
// given roots, which may be files themselves. Roots that don't exist are ignored; the zero time is returned if there are no files.
func NewestModTime(roots ...string) (time.Time, error) {
	var newest time.Time
	for _, root := range roots {
		if info, err := os.Stat(root); err != nil {
			continue
		} else if !info.IsDir() {
			if info.ModTime().After(newest) {
				newest = info.ModTime()
			}
			continue
		}
		err := godirwalk.Walk(root, &godirwalk.Options{
			Unsorted:            true,
			FollowSymbolicLinks: true,
			Callback: func(name string, de *godirwalk.Dirent) error {
				if de.IsDir() {
					return nil
				}
				info, err := os.Stat(name)
				if err != nil {
					return nil // Broken links and files that vanished mid-walk don't count.
				}
				if info.Mode().IsRegular() && info.ModTime().After(newest) {
					newest = info.ModTime()
				}
				return nil
			},
		})
		if err != nil {
			return newest, err
		}
	}
	return newest, nil
}

// OldestModTime returns the earliest modification time of the given files.
// The boolean is false if any of them is missing.
func OldestModTime(files ...string) (time.Time, bool) {
	var oldest time.Time
	for i, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return oldest, false
		}
		if i == 0 || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
		}
	}
	return oldest, true
}
