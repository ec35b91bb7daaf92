// Package patch rewrites single settings in build descriptors of third-party code.
package patch

import (
	"bufio"
	"bytes"
	"os"

	"github.com/peterebden/go-deferred-regex"

	"github.com/astbridge/astbuild/src/artifacts"
	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/fs"
)

var log = logging.Log

// PrefixPattern matches the install prefix assignment in a Makefile, capturing its value.
var PrefixPattern = &deferredregex.DeferredRegex{Re: `^\s*prefix\s*=\s*([^\s]+)`}

// A Pattern matches a "key = value" line, with the current value as its first submatch.
type Pattern interface {
	FindStringSubmatch(s string) []string
}

// EnsureValue makes every line of the file matched by pattern read "key = value".
// If they all already hold that value the file isn't touched at all, so its timestamp is
// preserved and the build tool won't consider it changed. Otherwise the file is replaced atomically.
// It returns true if the file was rewritten.
func EnsureValue(path string, pattern Pattern, key, value string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, artifacts.Missing(artifacts.File, path)
	} else if err != nil {
		return false, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var out bytes.Buffer
	changed := false
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(nil, 1024*1024)
	scanner.Split(scanLinesKeepEOL)
	for scanner.Scan() {
		line := scanner.Text()
		if m := pattern.FindStringSubmatch(line); m != nil {
			log.Debug("%s: %s is %s", path, key, m[1])
			if m[1] != value {
				changed = true
				line = key + " = " + value + lineEnding(line)
			}
		}
		out.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	log.Info("Setting %s = %s in %s", key, value, path)
	return true, fs.WriteFile(&out, path, info.Mode().Perm())
}

// scanLinesKeepEOL is like bufio.ScanLines but leaves the line endings in place.
func scanLinesKeepEOL(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lineEnding(line string) string {
	if n := len(line); n >= 2 && line[n-2:] == "\r\n" {
		return "\r\n"
	} else if n >= 1 && line[n-1] == '\n' {
		return "\n"
	}
	return ""
}
