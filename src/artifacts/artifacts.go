// Package artifacts decides whether the output of a build step is already present.
//
// Presence is trusted: nothing is hashed or re-verified. A file is considered valid because
// it exists, and archive file names embed their pinned version so a version bump is a new
// name rather than a stale file.
package artifacts

import (
	"fmt"

	"github.com/astbridge/astbuild/src/fs"
)

// A Kind is the kind of artifact a step produces.
type Kind int

const (
	// Directory is a directory that must exist.
	Directory Kind = iota
	// File is a regular file that must exist.
	File
	// InstalledDependency is an install prefix plus the archive it was built from, plus a marker
	// file recorded during the build where the platform can produce one.
	InstalledDependency
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case File:
		return "file"
	case InstalledDependency:
		return "installed dependency"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// An Artifact is something a build step produces. Its identity is its path.
type Artifact struct {
	Kind Kind
	Path string
	// Archive and Marker are only used for InstalledDependency.
	Archive string
	Marker  string
}

// Dir returns a Directory artifact.
func Dir(path string) Artifact {
	return Artifact{Kind: Directory, Path: path}
}

// RegularFile returns a File artifact.
func RegularFile(path string) Artifact {
	return Artifact{Kind: File, Path: path}
}

// Dependency returns an InstalledDependency artifact.
func Dependency(prefix, archive, marker string) Artifact {
	return Artifact{Kind: InstalledDependency, Path: prefix, Archive: archive, Marker: marker}
}

func (a Artifact) String() string {
	return a.Kind.String() + " " + a.Path
}

// A Checker answers presence questions for a particular host.
type Checker struct {
	// TracingAvailable is false on hosts that can't record compile commands;
	// the marker of an InstalledDependency is not required there.
	TracingAvailable bool
}

// IsPresent returns true if the given artifact exists and is valid.
func (c Checker) IsPresent(a Artifact) bool {
	switch a.Kind {
	case Directory:
		return fs.IsDirectory(a.Path)
	case File:
		return fs.FileExists(a.Path)
	case InstalledDependency:
		return fs.IsDirectory(a.Path) && fs.FileExists(a.Archive) && (!c.TracingAvailable || fs.FileExists(a.Marker))
	}
	return false
}

// Require returns a MissingArtifactError if the given artifact isn't present.
func (c Checker) Require(a Artifact) error {
	if !c.IsPresent(a) {
		return &MissingArtifactError{Artifact: a}
	}
	return nil
}

// A MissingArtifactError is returned when a file or directory that should exist doesn't.
type MissingArtifactError struct {
	Artifact Artifact
}

func (e *MissingArtifactError) Error() string {
	return "missing " + e.Artifact.String()
}

// Missing returns a MissingArtifactError for the given path.
func Missing(kind Kind, path string) error {
	return &MissingArtifactError{Artifact: Artifact{Kind: kind, Path: path}}
}
