// Package sanity replays a recorded compile-command database through the freshly built exporter.
//
// The exporter runs outside the build that produced the database, so the host compiler's own
// system include directories are passed to it explicitly. The check is pass/fail: the first
// file the exporter can't handle fails the whole run.
package sanity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"github.com/astbridge/astbuild/src/artifacts"
	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/process"
)

var log = logging.Log

// searchStart and searchEnd delimit the system include directories in the output of `cc -v`.
const (
	searchStart = "#include <...> search starts here:"
	searchEnd   = "End of search list."
)

// A CompileCommand is one entry of a compile-command database.
type CompileCommand struct {
	Directory string   `json:"directory"`
	Arguments []string `json:"arguments,omitempty"`
	Command   string   `json:"command,omitempty"`
	File      string   `json:"file"`
}

// Args returns the compiler arguments of this entry, splitting Command if Arguments isn't set.
func (c CompileCommand) Args() ([]string, error) {
	if len(c.Arguments) > 0 {
		return c.Arguments, nil
	}
	return shlex.Split(c.Command)
}

// Path returns the absolute path of the file this entry compiles.
func (c CompileCommand) Path() string {
	if filepath.IsAbs(c.File) {
		return c.File
	}
	return filepath.Join(c.Directory, c.File)
}

// LoadDatabase loads the compile-command database at the given path.
func LoadDatabase(path string) ([]CompileCommand, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, artifacts.Missing(artifacts.File, path)
	} else if err != nil {
		return nil, err
	}
	var commands []CompileCommand
	if err := json.Unmarshal(b, &commands); err != nil {
		return nil, fmt.Errorf("invalid compile-command database %s: %w", path, err)
	}
	for i, c := range commands {
		if c.Directory == "" || c.File == "" {
			return nil, fmt.Errorf("invalid compile-command database %s: entry %d lacks a directory or file", path, i)
		}
		if _, err := c.Args(); err != nil {
			return nil, fmt.Errorf("invalid compile-command database %s: entry %d: %w", path, i, err)
		}
	}
	return commands, nil
}

// SystemIncludeDirs asks the given compiler for its system include search path.
func SystemIncludeDirs(ctx context.Context, runner process.Runner, compiler string) ([]string, error) {
	out, err := runner.Output(ctx, process.Command{
		Name: compiler,
		Args: []string{"-E", "-x", "c", os.DevNull, "-v"},
	})
	if err != nil {
		return nil, err
	}
	dirs := ParseIncludeDirs(string(out))
	if len(dirs) == 0 {
		return nil, fmt.Errorf("can't find the system include directories in the output of %s -v", compiler)
	}
	return dirs, nil
}

// ParseIncludeDirs extracts the system include directories from verbose compiler output.
func ParseIncludeDirs(output string) []string {
	var dirs []string
	inSearchList := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, searchStart) {
			inSearchList = true
		} else if !inSearchList {
			continue
		} else if strings.HasPrefix(line, searchEnd) || !strings.HasPrefix(line, " ") {
			break
		} else {
			// macOS marks framework directories; the exporter only wants plain include dirs.
			dir := strings.TrimSpace(line)
			if !strings.HasSuffix(dir, "(framework directory)") {
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs
}

// A Runner runs the sanity check.
type Runner struct {
	Runner process.Runner
	// OutputSuffix is appended to each source file to get the exporter's output for it.
	// If empty the output isn't checked.
	OutputSuffix string
}

// Run invokes the exporter on every file in the database at databasePath.
func (r *Runner) Run(ctx context.Context, exporter, databasePath string, includeDirs []string) error {
	commands, err := LoadDatabase(databasePath)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return fmt.Errorf("compile-command database %s is empty", databasePath)
	}
	for _, c := range commands {
		log.Info("Exporting %s", c.File)
		if err := r.Runner.Run(ctx, ExportCommand(exporter, databasePath, c, includeDirs)); err != nil {
			return fmt.Errorf("exporting %s: %w", c.File, err)
		}
		if r.OutputSuffix != "" {
			if err := (artifacts.Checker{}).Require(artifacts.RegularFile(c.Path() + r.OutputSuffix)); err != nil {
				return fmt.Errorf("exporting %s: %w", c.File, err)
			}
		}
	}
	log.Notice("Exported %d files from %s", len(commands), databasePath)
	return nil
}

// ExportCommand returns the exporter invocation for one database entry.
func ExportCommand(exporter, databasePath string, c CompileCommand, includeDirs []string) process.Command {
	args := make([]string, 0, len(includeDirs)+3)
	args = append(args, c.File, "-p", filepath.Dir(databasePath))
	for _, dir := range includeDirs {
		args = append(args, "-extra-arg=-I"+dir)
	}
	return process.Command{Name: exporter, Args: args, Dir: c.Directory}
}
