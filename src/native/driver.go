package native

import (
	"context"
	"fmt"
	"sort"

	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/fs"
	"github.com/astbridge/astbuild/src/process"
)

var log = logging.Log

// A Project describes one CMake project to configure and build.
type Project struct {
	// Name is used in log messages.
	Name      string
	SourceDir string
	BuildDir  string
	// Generator is the cmake generator to use, e.g. Ninja.
	Generator string
	// BuildType is the configuration requested, recorded in the descriptor as its tag.
	BuildType string
	// Defines are passed to cmake as -D flags; CMAKE_BUILD_TYPE is added from BuildType.
	Defines map[string]string
	// Flags are any other arguments passed to cmake.
	Flags []string
	// Targets are built explicitly; the project is never built in full.
	Targets []string
	// Outputs are the files the targets produce.
	Outputs []string
	// Inputs are files or trees whose modification forces a rebuild even when Outputs exist.
	Inputs []string
	Env    map[string]string
}

// An Outcome records what ConfigureAndBuild did.
type Outcome struct {
	Configured, Built bool
}

// Ran returns true if any tool was invoked.
func (o Outcome) Ran() bool {
	return o.Configured || o.Built
}

// A Driver configures and builds native projects.
type Driver struct {
	Runner process.Runner
}

// ConfigureAndBuild brings the build directory of the given project up to date.
// cmake is run only if there is no descriptor yet or it was generated for a different build type.
// The build tool is skipped too if the descriptor was reused and every output is newer than all inputs.
func (d *Driver) ConfigureAndBuild(ctx context.Context, p Project) (Outcome, error) {
	var outcome Outcome
	configure, err := NeedsConfigure(p.BuildDir, p.BuildType)
	if err != nil {
		return outcome, err
	}
	if configure {
		if err := fs.EnsureDir(DescriptorPath(p.BuildDir)); err != nil {
			return outcome, err
		}
		if err := d.Runner.Run(ctx, ConfigureCommand(p)); err != nil {
			return outcome, err
		}
		outcome.Configured = true
		if tag, err := ReadConfiguration(DescriptorPath(p.BuildDir)); err != nil {
			return outcome, err
		} else if tag != p.BuildType {
			return outcome, &MalformedDescriptorError{
				Path:   DescriptorPath(p.BuildDir),
				Reason: fmt.Sprintf("generated for %s, expected %s", tag, p.BuildType),
			}
		}
	} else if upToDate, err := UpToDate(p.Outputs, p.Inputs); err != nil {
		return outcome, err
	} else if upToDate {
		log.Debug("%s is up to date in %s", p.Name, p.BuildDir)
		return outcome, nil
	}
	if err := d.Runner.Run(ctx, BuildCommand(p)); err != nil {
		return outcome, err
	}
	outcome.Built = true
	return outcome, nil
}

// NeedsConfigure returns true if the descriptor in the given build directory is absent or
// was generated for a different build type. A descriptor that is present but unreadable is an error.
func NeedsConfigure(buildDir, buildType string) (bool, error) {
	path := DescriptorPath(buildDir)
	if !fs.PathExists(path) {
		log.Info("No %s in %s, will configure", DescriptorName, buildDir)
		return true, nil
	}
	tag, err := ReadConfiguration(path)
	if err != nil {
		return false, err
	} else if tag != buildType {
		log.Info("%s was generated for %s, reconfiguring for %s", path, tag, buildType)
		return true, nil
	}
	return false, nil
}

// UpToDate returns true if every output exists and none of the inputs was modified after the oldest of them.
// It is false if there are no outputs at all, since there is then nothing to judge by.
func UpToDate(outputs, inputs []string) (bool, error) {
	if len(outputs) == 0 {
		return false, nil
	}
	oldest, ok := fs.OldestModTime(outputs...)
	if !ok {
		return false, nil
	}
	newest, err := fs.NewestModTime(inputs...)
	if err != nil {
		return false, err
	}
	return !newest.After(oldest), nil
}

// ConfigureCommand returns the cmake invocation for the given project.
func ConfigureCommand(p Project) process.Command {
	args := []string{"-G", p.Generator, p.SourceDir}
	args = append(args, p.Flags...)
	args = append(args, Defines(p)...)
	return process.Command{Name: "cmake", Args: args, Dir: p.BuildDir, Env: p.Env}
}

// BuildCommand returns the build tool invocation for the given project.
func BuildCommand(p Project) process.Command {
	args := append([]string{"-C", p.BuildDir}, p.Targets...)
	return process.Command{Name: BuildTool(p.Generator), Args: args, Dir: p.BuildDir, Env: p.Env}
}

// Defines returns the -D flags for the given project, sorted so the invocation is stable.
func Defines(p Project) []string {
	defines := make(map[string]string, len(p.Defines)+1)
	for k, v := range p.Defines {
		defines[k] = v
	}
	defines["CMAKE_BUILD_TYPE"] = p.BuildType
	keys := make([]string, 0, len(defines))
	for k := range defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ret := make([]string, len(keys))
	for i, k := range keys {
		ret[i] = "-D" + k + "=" + defines[k]
	}
	return ret
}

// BuildTool returns the tool that builds the output of the given cmake generator.
func BuildTool(generator string) string {
	if generator == "Unix Makefiles" {
		return "make"
	}
	return "ninja"
}
