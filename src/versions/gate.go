package versions

import (
	"context"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/peterebden/go-deferred-regex"

	"github.com/astbridge/astbuild/src/cli"
	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/process"
)

var log = logging.Log

// tripleRe matches a target triple such as x86_64-unknown-linux-gnu or x86_64-apple-darwin.
var tripleRe = deferredregex.DeferredRegex{Re: `^[a-z0-9_]+(-[a-z0-9_]+){2,3}$`}

// A Gate checks the tools on this machine before anything is built.
type Gate struct {
	Runner process.Runner
	// LookPath finds executables; it defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// NewGate returns a new Gate that queries tools through the given runner.
func NewGate(runner process.Runner) *Gate {
	return &Gate{Runner: runner, LookPath: exec.LookPath}
}

// RequireTools checks that each of the given tools is on PATH.
func (g *Gate) RequireTools(tools ...string) error {
	for _, tool := range tools {
		path, err := g.LookPath(tool)
		if err != nil {
			return &process.ToolNotFoundError{Tool: tool, Err: err}
		}
		log.Debug("Found %s at %s", tool, path)
	}
	return nil
}

// query runs a tool to find its version.
func (g *Gate) query(ctx context.Context, tool string, args []string) (*semver.Version, error) {
	out, err := g.Runner.Output(ctx, process.Command{Name: tool, Args: args})
	if err != nil {
		return nil, err
	}
	v, err := Parse(string(out))
	if err != nil {
		return nil, &UnparseableVersionError{Tool: tool, Err: err}
	}
	return v, nil
}

// RequireMinimum checks that the tool reports a version of at least min.
func (g *Gate) RequireMinimum(ctx context.Context, tool string, args []string, min cli.Version) (*semver.Version, error) {
	v, err := g.query(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	if !AtLeast(v, min.Semver()) {
		return nil, &VersionTooLowError{Tool: tool, Found: v.String(), Required: min.VersionString()}
	}
	log.Info("%s version %s satisfies %s", tool, v, min)
	return v, nil
}

// RequireExact checks that the tool reports exactly the wanted version, pre-release included.
func (g *Gate) RequireExact(ctx context.Context, tool string, args []string, want string) error {
	required, err := semver.NewVersion(want)
	if err != nil {
		return &UnparseableVersionError{Tool: tool, Err: err}
	}
	v, err := g.query(ctx, tool, args)
	if err != nil {
		return err
	}
	if !v.Equal(required) {
		return &VersionMismatchError{Tool: tool, Found: v.String(), Required: required.String()}
	}
	log.Info("%s version %s matches", tool, v)
	return nil
}

// RequireToolchain checks that rustup has the named toolchain installed.
// rustup lists toolchains with the host triple appended, which is the only suffix accepted.
func (g *Gate) RequireToolchain(ctx context.Context, name string) error {
	out, err := g.Runner.Output(ctx, process.Command{Name: "rustup", Args: []string{"toolchain", "list"}})
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && toolchainMatches(fields[0], name) {
			log.Info("Found rust toolchain %s", fields[0])
			return nil
		}
	}
	return &VersionMismatchError{Tool: "rust toolchain", Found: "none", Required: name}
}

func toolchainMatches(installed, name string) bool {
	return installed == name || (strings.HasPrefix(installed, name+"-") && tripleRe.MatchString(strings.TrimPrefix(installed, name+"-")))
}
