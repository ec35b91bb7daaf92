// Package native drives the configure and compile steps of a CMake project.
//
// The generated build.ninja doubles as the record of how the tree was last configured,
// so cmake is only re-run when the requested build type differs from the one recorded there.
package native

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterebden/go-deferred-regex"
)

// Signature is the first line cmake writes into every file it generates.
const Signature = "# CMAKE generated file: DO NOT EDIT!"

// DescriptorName is the name of the generated build file inside a build directory.
const DescriptorName = "build.ninja"

var configurationRe = deferredregex.DeferredRegex{Re: `^#\s*Configuration:\s*(\w+)`}

// A Descriptor is a build file generated by cmake.
type Descriptor struct {
	Path string
	// Configuration is the build type the descriptor was generated for, e.g. Debug.
	Configuration string
}

// DescriptorPath returns the path of the descriptor in the given build directory.
func DescriptorPath(buildDir string) string {
	return filepath.Join(buildDir, DescriptorName)
}

// ReadDescriptor reads the descriptor at the given path.
// A file that doesn't start with the signature or lacks a configuration line is malformed.
func ReadDescriptor(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 16*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, &MalformedDescriptorError{Path: path, Reason: "file is empty"}
	} else if line := strings.TrimRight(scanner.Text(), "\r"); line != Signature {
		return nil, &MalformedDescriptorError{Path: path, Reason: fmt.Sprintf("first line is %q, expected %q", line, Signature)}
	}
	for scanner.Scan() {
		if m := configurationRe.FindStringSubmatch(scanner.Text()); m != nil {
			return &Descriptor{Path: path, Configuration: m[1]}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, &MalformedDescriptorError{Path: path, Reason: "no configuration line"}
}

// ReadConfiguration returns the build type recorded in the descriptor at the given path.
func ReadConfiguration(path string) (string, error) {
	d, err := ReadDescriptor(path)
	if err != nil {
		return "", err
	}
	return d.Configuration, nil
}

// A MalformedDescriptorError is returned when a generated build file doesn't look like one.
// Regenerating over it would hide whatever wrote it, so it is always fatal.
type MalformedDescriptorError struct {
	Path, Reason string
}

func (e *MalformedDescriptorError) Error() string {
	return fmt.Sprintf("malformed build descriptor %s: %s", e.Path, e.Reason)
}
