package core

import (
	"os"
	"runtime"
	"strings"
)

// Options are the choices made on the command line for one run.
type Options struct {
	// CleanAll removes all produced trees before building.
	CleanAll bool
	// SanityTest replays the recorded compile commands through the built exporter.
	SanityTest bool
	// WithClang also builds clang itself.
	WithClang bool
	// Assertions enables LLVM assertions in the native build.
	Assertions bool
	// Debug selects debug builds of LLVM and the importer.
	Debug bool
}

// BuildType returns the CMake build type selected by these options.
func (opts Options) BuildType() string {
	if opts.Debug {
		return "Debug"
	}
	return "RelWithDebInfo"
}

// Capabilities describe what the host platform can do. They are resolved once at startup.
type Capabilities struct {
	OS string
	// Host identifies this machine; it keeps per-host build outputs apart.
	Host string
	// CommandTracingAvailable is true where compile commands can be recorded with Bear.
	// On macOS that requires system integrity protection to be disabled, so we don't try.
	CommandTracingAvailable bool
}

// HostCapabilities returns the capabilities of the machine we're running on.
func HostCapabilities() Capabilities {
	return CapabilitiesFor(runtime.GOOS, hostName())
}

// CapabilitiesFor returns the capabilities of the given OS.
func CapabilitiesFor(goos, host string) Capabilities {
	return Capabilities{
		OS:                      goos,
		Host:                    host,
		CommandTracingAvailable: goos == "linux",
	}
}

// Supported returns true if astbuild can run on this platform at all.
func (caps Capabilities) Supported() bool {
	return caps.OS == "linux" || caps.OS == "darwin"
}

func hostName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		// Only the first label; some hosts report their FQDN and some don't.
		return strings.SplitN(name, ".", 2)[0]
	}
	return runtime.GOOS + "_" + runtime.GOARCH
}

// A BuildState is the immutable context shared by every step of a run.
type BuildState struct {
	Config       *Configuration
	Options      Options
	Capabilities Capabilities
}

// NewBuildState constructs a new BuildState.
func NewBuildState(config *Configuration, opts Options, caps Capabilities) *BuildState {
	return &BuildState{
		Config:       config,
		Options:      opts,
		Capabilities: caps,
	}
}

// Targets returns the native build targets for this run.
func (state *BuildState) Targets() []string {
	targets := append([]string{}, state.Config.LLVM.Target...)
	if state.Options.WithClang {
		targets = append(targets, "clang")
	}
	return targets
}
