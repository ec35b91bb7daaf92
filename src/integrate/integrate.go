// Package integrate splices an externally maintained source tree into a host source tree.
//
// The tree is linked rather than copied so edits to it are picked up by the next build.
// The host's build file is then extended to include it, exactly once.
package integrate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/astbridge/astbuild/src/artifacts"
	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/fs"
)

var log = logging.Log

// An Integration describes one tree to splice into a host.
type Integration struct {
	// Source is the absolute path of the tree being integrated.
	Source string
	// HostDir is the directory of the host tree the link is created in.
	HostDir string
	// Name is the name of the link inside HostDir.
	Name string
	// LinkTarget is the relative path the link points to. It's derived from Source if empty.
	LinkTarget string
	// BuildFile is the host build file that must include the tree.
	BuildFile string
	// Sentinel marks BuildFile as already including the tree.
	Sentinel string
	// Directives are appended to BuildFile if the sentinel isn't there yet.
	Directives []string
}

// Link returns the path of the link inside the host.
func (i Integration) Link() string {
	return filepath.Join(i.HostDir, i.Name)
}

// Integrate links the tree into its host and updates the host's build file.
// It returns true if anything changed.
func Integrate(i Integration) (bool, error) {
	linked, err := ensureLink(i)
	if err != nil {
		return false, err
	}
	appended, err := EnsureDirectives(i.BuildFile, i.Sentinel, i.Directives)
	return linked || appended, err
}

// ensureLink creates the link if nothing is at its path, then verifies it resolves to Source.
// A link pointing anywhere else is never replaced.
func ensureLink(i Integration) (bool, error) {
	link := i.Link()
	created := false
	if _, err := os.Lstat(link); os.IsNotExist(err) {
		target := i.LinkTarget
		if target == "" {
			if target, err = filepath.Rel(i.HostDir, i.Source); err != nil {
				return false, err
			}
		}
		log.Info("Linking %s -> %s", link, target)
		if err := os.Symlink(target, link); err != nil {
			return false, err
		}
		created = true
	} else if err != nil {
		return false, err
	}
	if !fs.IsSymlink(link) {
		return false, &LinkTargetMismatchError{Link: link, Expected: i.Source, Actual: "(not a symlink)"}
	}
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		return false, &LinkTargetMismatchError{Link: link, Expected: i.Source, Actual: err.Error()}
	}
	expected, err := filepath.EvalSymlinks(i.Source)
	if err != nil {
		return false, artifacts.Missing(artifacts.Directory, i.Source)
	}
	if resolved != expected {
		return false, &LinkTargetMismatchError{Link: link, Expected: expected, Actual: resolved}
	}
	return created, nil
}

// EnsureDirectives appends the directives to the given file unless it already contains the sentinel.
// It returns true if the file was changed.
func EnsureDirectives(path, sentinel string, directives []string) (bool, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, artifacts.Missing(artifacts.File, path)
	} else if err != nil {
		return false, err
	}
	if strings.Contains(string(content), sentinel) {
		log.Debug("%s already contains %s", path, sentinel)
		return false, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var b strings.Builder
	if len(content) > 0 && content[len(content)-1] != '\n' {
		b.WriteString("\n")
	}
	for _, d := range directives {
		b.WriteString(d)
		b.WriteString("\n")
	}
	log.Info("Adding %d lines to %s", len(directives), path)
	if _, err := f.WriteString(b.String()); err != nil {
		return false, err
	}
	return true, f.Close()
}

// A LinkTargetMismatchError is returned when a link exists but doesn't point at what it should.
type LinkTargetMismatchError struct {
	Link, Expected, Actual string
}

func (e *LinkTargetMismatchError) Error() string {
	return fmt.Sprintf("%s should point to %s but points to %s; remove it to have it recreated", e.Link, e.Expected, e.Actual)
}
