package fetch

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/astbridge/astbuild/src/artifacts"
	"github.com/astbridge/astbuild/src/core"
	"github.com/astbridge/astbuild/src/fs"
)

// Extract unpacks the given archive so that its top-level directory ends up at a.Dest.
// Nothing happens if a.Dest already exists. It returns true if anything was extracted.
func Extract(ctx context.Context, a core.Archive) (bool, error) {
	if fs.PathExists(a.Dest) {
		log.Debug("%s already exists, not extracting %s", a.Dest, filepath.Base(a.File))
		return false, nil
	}
	parent := filepath.Dir(a.Dest)
	if err := os.MkdirAll(parent, fs.DirPermissions); err != nil {
		return false, err
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(a.Dest)+".extract")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(staging)
	log.Notice("Extracting %s to %s", filepath.Base(a.File), a.Dest)
	if err := untar(ctx, a.File, staging); err != nil {
		return false, fmt.Errorf("failed to extract %s: %w", a.File, err)
	}
	top := filepath.Join(staging, a.TopDir)
	if !fs.IsDirectory(top) {
		return false, fmt.Errorf("%s doesn't contain the expected directory: %w", a.File, artifacts.Missing(artifacts.Directory, a.TopDir))
	}
	return true, os.Rename(top, a.Dest)
}

// untar extracts every entry of the given archive into dir.
func untar(ctx context.Context, archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := decompress(archive, f)
	if err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		} else if err := ctx.Err(); err != nil {
			return err
		} else if err := writeTarEntry(hdr, tr, dir); err != nil {
			return err
		}
	}
}

// decompress wraps the reader according to the archive's file extension.
func decompress(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".tar.xz") || strings.HasSuffix(name, ".txz"):
		return xz.NewReader(r)
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".tar.bz2") || strings.HasSuffix(name, ".tbz2"):
		return bzip2.NewReader(r), nil
	case strings.HasSuffix(name, ".tar"):
		return r, nil
	}
	return nil, fmt.Errorf("unknown archive type: %s", filepath.Base(name))
}

// writeTarEntry writes a single archive entry under dir.
// Symlinks must point inside dir, and nothing is ever written through one.
func writeTarEntry(hdr *tar.Header, r io.Reader, dir string) error {
	dest, err := entryPath(dir, hdr.Name)
	if err != nil {
		return err
	} else if err := checkNoSymlinks(dir, dest); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), fs.DirPermissions); err != nil {
		return err
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, fs.DirPermissions)
	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) || !within(dir, filepath.Join(filepath.Dir(dest), hdr.Linkname)) {
			return fmt.Errorf("archive entry %s links to %s, outside the archive root", hdr.Name, hdr.Linkname)
		}
		return os.Symlink(hdr.Linkname, dest)
	case tar.TypeLink:
		target, err := entryPath(dir, hdr.Linkname)
		if err != nil {
			return err
		} else if err := checkNoSymlinks(dir, target); err != nil {
			return err
		}
		return os.Link(target, dest)
	case tar.TypeReg, tar.TypeRegA:
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm()|0200)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	// Device nodes, fifos and global headers don't appear in source archives we care about.
	return nil
}

// entryPath returns where an archive entry should be written, refusing anything that escapes dir.
func entryPath(dir, name string) (string, error) {
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if filepath.IsAbs(filepath.FromSlash(name)) || !within(dir, dest) {
		return "", fmt.Errorf("archive entry %s is outside the archive root", name)
	}
	return dest, nil
}

// within returns true if path is dir or lexically inside it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkNoSymlinks fails if any existing component of dest below dir, dest included, is a symlink.
func checkNoSymlinks(dir, dest string) error {
	rel, err := filepath.Rel(dir, dest)
	if err != nil {
		return err
	}
	path := dir
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		path = filepath.Join(path, part)
		if !fs.PathExists(path) {
			return nil
		} else if fs.IsSymlink(path) {
			return fmt.Errorf("refusing to write %s through symlink %s", dest, path)
		}
	}
	return nil
}
