package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/astbridge/astbuild/src/artifacts"
	"github.com/astbridge/astbuild/src/clean"
	"github.com/astbridge/astbuild/src/core"
	"github.com/astbridge/astbuild/src/fetch"
	"github.com/astbridge/astbuild/src/fs"
	"github.com/astbridge/astbuild/src/integrate"
	"github.com/astbridge/astbuild/src/native"
	"github.com/astbridge/astbuild/src/patch"
	"github.com/astbridge/astbuild/src/process"
	"github.com/astbridge/astbuild/src/sanity"
)

func (o *Orchestrator) clean(ctx context.Context) (bool, error) {
	return true, clean.Clean(o.State.Config, o.State.Capabilities.Host)
}

func (o *Orchestrator) checkPlatform(ctx context.Context) (bool, error) {
	if caps := o.State.Capabilities; !caps.Supported() {
		return false, fmt.Errorf("%s is not a supported platform", caps.OS)
	}
	return false, nil
}

func (o *Orchestrator) checkTools(ctx context.Context) (bool, error) {
	return false, o.Gate.RequireTools("cmake", native.BuildTool(o.State.Config.LLVM.Generator), "make", "cargo", "rustup")
}

func (o *Orchestrator) checkRust(ctx context.Context) (bool, error) {
	rust := o.State.Config.Rust
	if err := o.Gate.RequireToolchain(ctx, rust.Toolchain); err != nil {
		return false, err
	}
	return false, o.Gate.RequireExact(ctx, "rustc", []string{"+" + rust.Toolchain, "--version"}, rust.RustcVersion)
}

func (o *Orchestrator) checkClang(ctx context.Context) (bool, error) {
	llvm := o.State.Config.LLVM
	_, err := o.Gate.RequireMinimum(ctx, llvm.CCompiler, []string{"--version"}, llvm.MinClangVersion)
	return false, err
}

// ensureDirs creates the working directories and keeps the deps directory out of version control.
func (o *Orchestrator) ensureDirs(ctx context.Context) (bool, error) {
	config := o.State.Config
	created := false
	for _, dir := range []string{config.Paths.Deps, config.Paths.LLVMBuild} {
		if !o.Checker.IsPresent(artifacts.Dir(dir)) {
			log.Info("Creating %s", dir)
			if err := os.MkdirAll(dir, fs.DirPermissions); err != nil {
				return created, err
			}
			created = true
		}
	}
	if gitignore := filepath.Join(config.Paths.Deps, ".gitignore"); !o.Checker.IsPresent(artifacts.RegularFile(gitignore)) {
		if err := fs.WriteFile(strings.NewReader("*\n"), gitignore, 0644); err != nil {
			return created, err
		}
		created = true
	}
	return created, nil
}

// buildBear builds and installs Bear, which records compile commands while tinycbor is built.
// Its source directory is always built from scratch.
func (o *Orchestrator) buildBear(ctx context.Context) (bool, error) {
	config := o.State.Config
	if o.Checker.IsPresent(artifacts.Dir(config.BearPrefix())) {
		return false, o.Checker.Require(artifacts.RegularFile(config.BearBinary()))
	}
	a := config.BearArchive()
	if err := o.fetchAndExtract(ctx, a); err != nil {
		return true, err
	}
	build := filepath.Join(a.Dest, "build")
	if err := os.MkdirAll(build, fs.DirPermissions); err != nil {
		return true, err
	}
	if err := o.Runner.Run(ctx, process.Command{
		Name: "cmake",
		Args: []string{"..", "-DCMAKE_INSTALL_PREFIX=" + config.BearPrefix()},
		Dir:  build,
	}); err != nil {
		return true, err
	}
	if err := o.Runner.Run(ctx, process.Command{Name: "make", Args: []string{"install"}, Dir: build}); err != nil {
		return true, err
	}
	return true, o.Checker.Require(artifacts.RegularFile(config.BearBinary()))
}

// fetchAndExtract downloads an unsigned archive if needed and unpacks it over a clean source directory.
func (o *Orchestrator) fetchAndExtract(ctx context.Context, a core.Archive) error {
	if _, err := o.Fetcher.Fetch(ctx, a, nil); err != nil {
		return err
	}
	if err := os.RemoveAll(a.Dest); err != nil {
		return err
	}
	_, err := fetch.Extract(ctx, a)
	return err
}

// fetchLLVM downloads, verifies and extracts the LLVM, clang and clang-tools-extra sources.
func (o *Orchestrator) fetchLLVM(ctx context.Context) (bool, error) {
	config := o.State.Config
	ran, err := o.Fetcher.InstallKey(ctx, config.LLVM.PublicKey, config.LLVM.PublicKeyURL)
	if err != nil {
		return ran, err
	}
	verifier, err := fetch.LoadVerifier(config.LLVM.PublicKey)
	if err != nil {
		return ran, err
	}
	archives := config.LLVMArchives()
	for _, a := range archives {
		downloaded, err := o.Fetcher.Fetch(ctx, a, verifier)
		ran = ran || downloaded
		if err != nil {
			return ran, err
		}
	}
	for _, a := range archives {
		extracted, err := fetch.Extract(ctx, a)
		ran = ran || extracted
		if err != nil {
			return ran, err
		}
	}
	return ran, nil
}

// integrateExporter links the exporter's source tree into clang-tools-extra.
func (o *Orchestrator) integrateExporter(ctx context.Context) (bool, error) {
	config := o.State.Config
	if err := o.Checker.Require(artifacts.Dir(config.Paths.Exporter)); err != nil {
		return false, err
	}
	host := config.ExporterHostDir()
	return integrate.Integrate(integrate.Integration{
		Source:     config.Paths.Exporter,
		HostDir:    host,
		Name:       config.Exporter.Name,
		BuildFile:  filepath.Join(host, "CMakeLists.txt"),
		Sentinel:   config.Exporter.Sentinel,
		Directives: config.ExporterDirectives(),
	})
}

// installTinyCBOR builds and installs tinycbor, recording its compile commands where possible.
// It is always built fresh for this host.
func (o *Orchestrator) installTinyCBOR(ctx context.Context) (bool, error) {
	config := o.State.Config
	a := config.TinyCBORArchive()
	dep := artifacts.Dependency(config.TinyCBORPrefix(), a.File, config.CompileCommands())
	if o.Checker.IsPresent(dep) {
		return false, nil
	}
	if err := o.fetchAndExtract(ctx, a); err != nil {
		return true, err
	}
	if _, err := patch.EnsureValue(filepath.Join(a.Dest, "Makefile"), patch.PrefixPattern, "prefix", config.TinyCBORPrefix()); err != nil {
		return true, err
	}
	build := process.Command{Name: "make", Dir: a.Dest}
	if o.State.Capabilities.CommandTracingAvailable {
		build = process.Command{Name: config.BearBinary(), Args: []string{"make"}, Dir: a.Dest}
	}
	if err := o.Runner.Run(ctx, build); err != nil {
		return true, err
	}
	if err := o.Runner.Run(ctx, process.Command{Name: "make", Args: []string{"install"}, Dir: a.Dest}); err != nil {
		return true, err
	}
	return true, o.Checker.Require(dep)
}

// buildLLVM configures LLVM against the installed tinycbor and builds just the targets we need.
func (o *Orchestrator) buildLLVM(ctx context.Context) (bool, error) {
	config := o.State.Config
	opts := o.State.Options
	targets := o.State.Targets()
	outputs := make([]string, len(targets))
	for i, target := range targets {
		outputs[i] = filepath.Join(config.LLVMBin(), target)
	}
	cbor := config.TinyCBORPrefix()
	// The exporter compiles and links against tinycbor, so a reinstall has to rebuild it too.
	inputs := []string{config.Paths.Exporter, filepath.Join(config.ExporterHostDir(), "CMakeLists.txt"), cbor}
	assertions := "0"
	if opts.Assertions {
		assertions = "1"
	}
	outcome, err := o.Driver.ConfigureAndBuild(ctx, native.Project{
		Name:      "llvm",
		SourceDir: config.Paths.LLVMSource,
		BuildDir:  config.Paths.LLVMBuild,
		Generator: config.LLVM.Generator,
		BuildType: opts.BuildType(),
		Defines: map[string]string{
			"CMAKE_C_COMPILER":        config.LLVM.CCompiler,
			"CMAKE_CXX_COMPILER":      config.LLVM.CxxCompiler,
			"CMAKE_C_FLAGS":           "-I" + filepath.Join(cbor, "include"),
			"CMAKE_CXX_FLAGS":         "-I" + filepath.Join(cbor, "include"),
			"CMAKE_EXE_LINKER_FLAGS":  "-L" + filepath.Join(cbor, "lib"),
			"LLVM_ENABLE_ASSERTIONS":  assertions,
			"LLVM_TARGETS_TO_BUILD":   config.LLVM.TargetsToBuild,
			"LLVM_INCLUDE_UTILS":      "1",
			"LLVM_BUILD_UTILS":        "1",
			"BUILD_SHARED_LIBS":       "1",
			"LLVM_PARALLEL_LINK_JOBS": strconv.Itoa(o.LinkJobs()),
		},
		Flags:   []string{"-Wno-dev"},
		Targets: targets,
		Outputs: outputs,
		Inputs:  inputs,
	})
	if err != nil {
		return outcome.Ran(), err
	}
	return outcome.Ran(), o.Checker.Require(artifacts.RegularFile(config.ExporterBinary()))
}

// buildImporter builds the importer with the pinned rust toolchain, in a target directory for this host.
func (o *Orchestrator) buildImporter(ctx context.Context) (bool, error) {
	config := o.State.Config
	host := o.State.Capabilities.Host
	debug := o.State.Options.Debug
	dir := config.Paths.Importer
	if err := o.Checker.Require(artifacts.Dir(dir)); err != nil {
		return false, err
	}
	binary := config.ImporterBinary(host, debug)
	upToDate, err := native.UpToDate([]string{binary}, []string{
		filepath.Join(dir, "src"),
		filepath.Join(dir, "Cargo.toml"),
		filepath.Join(dir, "Cargo.lock"),
	})
	if err != nil {
		return false, err
	} else if upToDate {
		return false, nil
	}
	args := []string{"+" + config.Rust.Toolchain, "build"}
	if !debug {
		args = append(args, "--release")
	}
	if err := o.Runner.Run(ctx, process.Command{
		Name: "cargo",
		Args: args,
		Dir:  dir,
		Env:  map[string]string{"CARGO_TARGET_DIR": config.ImporterTargetDir(host)},
	}); err != nil {
		return true, err
	}
	return true, o.Checker.Require(artifacts.RegularFile(binary))
}

func (o *Orchestrator) skipSanityTest() string {
	if !o.State.Options.SanityTest {
		return "not requested"
	} else if !o.State.Capabilities.CommandTracingAvailable {
		return "no compile commands can be recorded on " + o.State.Capabilities.OS
	}
	return ""
}

// sanityTest runs the exporter over every file tinycbor was built from.
func (o *Orchestrator) sanityTest(ctx context.Context) (bool, error) {
	config := o.State.Config
	exporter := config.ExporterBinary()
	if err := o.Checker.Require(artifacts.RegularFile(exporter)); err != nil {
		return false, err
	}
	dirs, err := sanity.SystemIncludeDirs(ctx, o.Runner, config.LLVM.CCompiler)
	if err != nil {
		return false, err
	}
	r := &sanity.Runner{Runner: o.Runner, OutputSuffix: config.Exporter.OutputSuffix}
	return true, r.Run(ctx, exporter, config.CompileCommands(), dirs)
}
