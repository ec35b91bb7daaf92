package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astbridge/astbuild/src/artifacts"
	"github.com/astbridge/astbuild/src/cli"
	"github.com/astbridge/astbuild/src/core"
	"github.com/astbridge/astbuild/src/fetch"
	"github.com/astbridge/astbuild/src/fetch/fetchtest"
	"github.com/astbridge/astbuild/src/integrate"
	"github.com/astbridge/astbuild/src/native"
	"github.com/astbridge/astbuild/src/process"
	"github.com/astbridge/astbuild/src/versions"
)

const host = "buildhost"

const includeSearch = `clang -cc1 version 6.0.0 based upon LLVM 6.0.0 default target x86_64-pc-linux-gnu
#include <...> search starts here:
 /usr/local/include
 /usr/include
End of search list.
`

// toolRunner stands in for every tool the build invokes and reproduces the files they would leave behind.
type toolRunner struct {
	config   *core.Configuration
	mutex    sync.Mutex
	commands []process.Command
	probes   []process.Command
	// fail makes the named tool exit non-zero.
	fail string
}

func (r *toolRunner) Run(ctx context.Context, cmd process.Command) error {
	r.mutex.Lock()
	r.commands = append(r.commands, cmd)
	r.mutex.Unlock()
	if cmd.Name == r.fail {
		return &process.ToolExecutionError{Tool: cmd.Name, Args: cmd.Args, Dir: cmd.Dir, ExitCode: 2}
	}
	config := r.config
	switch {
	case cmd.Name == "cmake" && cmd.Args[0] == "-G":
		buildType := ""
		for _, arg := range cmd.Args {
			if strings.HasPrefix(arg, "-DCMAKE_BUILD_TYPE=") {
				buildType = strings.TrimPrefix(arg, "-DCMAKE_BUILD_TYPE=")
			}
		}
		return write(filepath.Join(cmd.Dir, "build.ninja"), native.Signature+"\n# Configuration: "+buildType+"\n")
	case cmd.Name == "cmake":
		return write(filepath.Join(cmd.Dir, "Makefile"), "all:\n")
	case cmd.Name == "ninja":
		for _, target := range cmd.Args[2:] {
			if err := write(filepath.Join(config.LLVMBin(), target), "ELF"); err != nil {
				return err
			}
		}
	case cmd.Name == "make" && cmd.Dir == config.TinyCBORSource():
		if len(cmd.Args) == 0 {
			return write(filepath.Join(cmd.Dir, "lib", "libtinycbor.a"), "!<arch>\n")
		}
		return write(filepath.Join(config.TinyCBORPrefix(), "lib", "libtinycbor.a"), "!<arch>\n")
	case cmd.Name == "make":
		return write(config.BearBinary(), "#!/bin/sh\n")
	case cmd.Name == config.BearBinary():
		return write(filepath.Join(cmd.Dir, "compile_commands.json"), fmt.Sprintf(`[
  {"directory": %q, "arguments": ["cc", "-c", "src/cborparser.c"], "file": "src/cborparser.c"}
]`, cmd.Dir))
	case cmd.Name == "cargo":
		profile := "release"
		if len(cmd.Args) == 2 {
			profile = "debug"
		}
		return write(filepath.Join(cmd.Env["CARGO_TARGET_DIR"], profile, config.Importer.Name), "ELF")
	case cmd.Name == config.ExporterBinary():
		return write(filepath.Join(cmd.Dir, cmd.Args[0]+config.Exporter.OutputSuffix), "\xa0")
	}
	return nil
}

func (r *toolRunner) Output(ctx context.Context, cmd process.Command) ([]byte, error) {
	r.mutex.Lock()
	r.probes = append(r.probes, cmd)
	r.mutex.Unlock()
	switch cmd.Name {
	case "rustup":
		return []byte("stable-x86_64-unknown-linux-gnu (default)\nnightly-2018-01-06-x86_64-unknown-linux-gnu\n"), nil
	case "rustc":
		return []byte("rustc 1.25.0-nightly (6828cf901 2018-01-06)\n"), nil
	case "clang":
		if cmd.Args[0] == "--version" {
			return []byte("clang version 6.0.0-1ubuntu2 (tags/RELEASE_600/final)\nTarget: x86_64-pc-linux-gnu\n"), nil
		}
		return []byte(includeSearch), nil
	}
	return nil, &process.ToolNotFoundError{Tool: cmd.Name, Err: errors.New("not faked")}
}

// reset forgets everything run so far and returns it.
func (r *toolRunner) reset() []process.Command {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	commands := r.commands
	r.commands = nil
	r.probes = nil
	return commands
}

func write(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0755)
}

// env is a complete environment to run the whole build in.
type env struct {
	root   string
	config *core.Configuration
	server *fetchtest.Server
	runner *toolRunner
}

func newEnv(t *testing.T) *env {
	root := t.TempDir()
	server := fetchtest.NewServer(t)
	signer := fetchtest.NewSigner(t)
	server.Add("/6.0.0/hans-gpg-key.asc", signer.PublicKey(t))
	for name, files := range map[string]map[string]string{
		"llvm": {
			"llvm-6.0.0.src/CMakeLists.txt":       "project(LLVM)\n",
			"llvm-6.0.0.src/tools/CMakeLists.txt": "add_llvm_tool_subdirectory(llvm-config)\n",
		},
		"cfe": {
			"cfe-6.0.0.src/CMakeLists.txt":       "project(Clang)\n",
			"cfe-6.0.0.src/tools/CMakeLists.txt": "add_clang_subdirectory(driver)\n",
		},
		"clang-tools-extra": {
			"clang-tools-extra-6.0.0.src/CMakeLists.txt": "add_subdirectory(clang-tidy)\nadd_subdirectory(clangd)\n",
		},
	} {
		content := fetchtest.TarXz(t, files)
		path := "/6.0.0/" + name + "-6.0.0.src.tar.xz"
		server.Add(path, content)
		server.Add(path+".sig", signer.Sign(t, content))
	}
	server.Add("/tinycbor/v0.5.0", fetchtest.TarGz(t, map[string]string{
		"tinycbor-0.5.0/Makefile":          "# Variables:\nprefix = /usr/local\nexec_prefix = $(prefix)\n",
		"tinycbor-0.5.0/src/cborparser.c":  "#include \"cbor.h\"\n",
		"tinycbor-0.5.0/src/cborencoder.c": "#include \"cbor.h\"\n",
	}))
	server.Add("/bear/2.3.11", fetchtest.TarGz(t, map[string]string{
		"Bear-2.3.11/CMakeLists.txt": "project(Bear C)\n",
	}))

	// The sources we build are checked in next to where the dependencies go, and predate the build.
	then := time.Now().Add(-time.Hour)
	for path, content := range map[string]string{
		"ast-exporter/CMakeLists.txt":  "add_clang_executable(ast-exporter AstExporter.cpp)\n",
		"ast-exporter/AstExporter.cpp": "int main() { return 0; }\n",
		"ast-importer/Cargo.toml":      "[package]\nname = \"ast-importer\"\n",
		"ast-importer/src/main.rs":     "fn main() {}\n",
	} {
		path = filepath.Join(root, path)
		require.NoError(t, write(path, content))
		require.NoError(t, os.Chtimes(path, then, then))
	}

	config, err := core.ReadConfigFiles(root, nil)
	require.NoError(t, err)
	config.LLVM.DownloadLocation = cli.URL(server.URL)
	config.LLVM.PublicKeyURL = cli.URL(server.URL + "/6.0.0/hans-gpg-key.asc")
	config.TinyCBOR.DownloadLocation = cli.URL(server.URL + "/tinycbor")
	config.Bear.DownloadLocation = cli.URL(server.URL + "/bear")
	return &env{root: root, config: config, server: server, runner: &toolRunner{config: config}}
}

func (e *env) run(opts core.Options, goos string) ([]StepResult, error) {
	state := core.NewBuildState(e.config, opts, core.CapabilitiesFor(goos, host))
	o := New(state, e.runner, fetch.New(false))
	o.Gate.LookPath = func(tool string) (string, error) { return "/usr/bin/" + tool, nil }
	o.LinkJobs = func() int { return 2 }
	return o.Run(context.Background())
}

func defaultOptions() core.Options {
	return core.Options{Assertions: true}
}

func TestIdempotence(t *testing.T) {
	e := newEnv(t)
	config := e.config

	results, err := e.run(defaultOptions(), "linux")
	require.NoError(t, err)
	assert.Equal(t, []string{"directories", "bear", "llvm sources", "integrate exporter", "tinycbor", "llvm", "importer"}, Ran(results))
	first := e.runner.reset()
	assert.Equal(t, []string{
		"cmake", "make",             // bear
		config.BearBinary(), "make", // tinycbor
		"cmake", "ninja",            // llvm
		"cargo",                     // importer
	}, names(first))
	firstHits := e.server.TotalHits()
	assert.Equal(t, 1+3*2+2, firstHits) // key, signed llvm archives, tinycbor, bear
	for _, path := range []string{"/6.0.0/llvm-6.0.0.src.tar.xz", "/tinycbor/v0.5.0", "/bear/2.3.11"} {
		assert.Equal(t, 1, e.server.Hits(path), path)
	}

	// Everything has ended up where the rest of the build expects it.
	assert.FileExists(t, filepath.Join(config.Paths.LLVMSource, "tools", "clang", "tools", "extra", "CMakeLists.txt"))
	assert.FileExists(t, filepath.Join(config.ExporterHostDir(), "ast-exporter", "AstExporter.cpp"))
	assert.DirExists(t, config.TinyCBORPrefix())
	assert.FileExists(t, config.ExporterBinary())
	assert.FileExists(t, config.ImporterBinary(host, false))
	b, err := os.ReadFile(filepath.Join(config.TinyCBORSource(), "Makefile"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "prefix = "+config.TinyCBORPrefix()+"\n")
	b, err = os.ReadFile(filepath.Join(config.Paths.Deps, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(b))

	// The second time round there is nothing to do.
	results, err = e.run(defaultOptions(), "linux")
	require.NoError(t, err)
	assert.Nil(t, Ran(results))
	assert.NotEmpty(t, e.runner.probes) // Version checks still happen.
	assert.Equal(t, 0, len(e.runner.reset()))
	assert.Equal(t, firstHits, e.server.TotalHits())

	// After cleaning, it's all done again exactly as the first time.
	opts := defaultOptions()
	opts.CleanAll = true
	results, err = e.run(opts, "linux")
	require.NoError(t, err)
	assert.Equal(t, "clean", results[0].Name)
	assert.True(t, results[0].Ran)
	assert.Equal(t, first, e.runner.reset())
	assert.Equal(t, 2*firstHits, e.server.TotalHits())
}

func TestLLVMConfiguration(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(core.Options{WithClang: true, Debug: true}, "linux")
	require.NoError(t, err)
	commands := e.runner.reset()
	cmake := find(commands, "cmake", "-G")
	require.NotNil(t, cmake)
	cbor := e.config.TinyCBORPrefix()
	assert.Equal(t, []string{
		"-G", "Ninja", e.config.Paths.LLVMSource, "-Wno-dev",
		"-DBUILD_SHARED_LIBS=1",
		"-DCMAKE_BUILD_TYPE=Debug",
		"-DCMAKE_CXX_COMPILER=clang++",
		"-DCMAKE_CXX_FLAGS=-I" + cbor + "/include",
		"-DCMAKE_C_COMPILER=clang",
		"-DCMAKE_C_FLAGS=-I" + cbor + "/include",
		"-DCMAKE_EXE_LINKER_FLAGS=-L" + cbor + "/lib",
		"-DLLVM_BUILD_UTILS=1",
		"-DLLVM_ENABLE_ASSERTIONS=0",
		"-DLLVM_INCLUDE_UTILS=1",
		"-DLLVM_PARALLEL_LINK_JOBS=2",
		"-DLLVM_TARGETS_TO_BUILD=X86",
	}, cmake.Args)
	assert.Equal(t, e.config.Paths.LLVMBuild, cmake.Dir)

	ninja := find(commands, "ninja", "")
	require.NotNil(t, ninja)
	assert.Equal(t, []string{"-C", e.config.Paths.LLVMBuild, "ast-exporter", "FileCheck", "count", "not", "clang"}, ninja.Args)

	cargo := find(commands, "cargo", "")
	require.NotNil(t, cargo)
	assert.Equal(t, []string{"+nightly-2018-01-06", "build"}, cargo.Args)
	assert.Equal(t, map[string]string{"CARGO_TARGET_DIR": e.config.ImporterTargetDir(host)}, cargo.Env)
	assert.FileExists(t, e.config.ImporterBinary(host, true))

	// Switching to a release build reconfigures, but doesn't fetch or install anything again.
	hits := e.server.TotalHits()
	results, err := e.run(core.Options{WithClang: true}, "linux")
	require.NoError(t, err)
	assert.Equal(t, []string{"llvm", "importer"}, Ran(results))
	assert.Equal(t, []string{"cmake", "ninja", "cargo"}, names(e.runner.reset()))
	assert.Equal(t, hits, e.server.TotalHits())
}

func TestSanityTest(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(core.Options{SanityTest: true}, "linux")
	require.NoError(t, err)
	commands := e.runner.reset()
	last := commands[len(commands)-1]
	assert.Equal(t, e.config.ExporterBinary(), last.Name)
	assert.Equal(t, []string{
		"src/cborparser.c", "-p", e.config.TinyCBORSource(),
		"-extra-arg=-I/usr/local/include", "-extra-arg=-I/usr/include",
	}, last.Args)
	assert.FileExists(t, filepath.Join(e.config.TinyCBORSource(), "src", "cborparser.c.cbor"))

	// The sanity test is a check rather than a build; it runs every time it's asked for.
	results, err := e.run(core.Options{SanityTest: true}, "linux")
	require.NoError(t, err)
	assert.Equal(t, []string{"sanity test"}, Ran(results))
	assert.Equal(t, []string{e.config.ExporterBinary()}, names(e.runner.reset()))
}

func TestWithoutCommandTracing(t *testing.T) {
	e := newEnv(t)
	results, err := e.run(core.Options{SanityTest: true}, "darwin")
	require.NoError(t, err)
	skipped := map[string]string{}
	for _, r := range results {
		if r.Skipped != "" {
			skipped[r.Name] = r.Skipped
		}
	}
	assert.Contains(t, skipped, "bear")
	assert.Contains(t, skipped, "sanity test")
	assert.Contains(t, skipped, "clean")
	assert.Equal(t, []string{"make", "make", "cmake", "ninja", "cargo"}, names(e.runner.reset()))
	assert.NoFileExists(t, e.config.CompileCommands())
	assert.Equal(t, 0, e.server.Hits("/bear/2.3.11"))

	// Without a compile-command database tinycbor still counts as installed.
	results, err = e.run(core.Options{}, "darwin")
	require.NoError(t, err)
	assert.Nil(t, Ran(results))
	assert.Equal(t, 0, len(e.runner.reset()))
}

func TestUnsupportedPlatform(t *testing.T) {
	e := newEnv(t)
	results, err := e.run(core.Options{}, "windows")
	assert.Error(t, err)
	assert.Equal(t, "platform", results[len(results)-1].Name)
	assert.Equal(t, 0, len(e.runner.reset()))
	assert.Equal(t, 0, e.server.TotalHits())
}

func TestToolFailureStopsTheRun(t *testing.T) {
	e := newEnv(t)
	e.runner.fail = "ninja"
	results, err := e.run(defaultOptions(), "linux")
	var execErr *process.ToolExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 2, execErr.ExitCode)
	assert.True(t, strings.HasPrefix(err.Error(), "llvm: "))
	assert.Equal(t, "llvm", results[len(results)-1].Name)
	assert.Nil(t, find(e.runner.reset(), "cargo", ""))

	// Once the tool works again, the run picks up where it left off.
	e.runner.fail = ""
	results, err = e.run(defaultOptions(), "linux")
	require.NoError(t, err)
	assert.Equal(t, []string{"llvm", "importer"}, Ran(results))
	assert.Equal(t, []string{"ninja", "cargo"}, names(e.runner.reset()))
}

func TestMissingTool(t *testing.T) {
	e := newEnv(t)
	state := core.NewBuildState(e.config, core.Options{}, core.CapabilitiesFor("linux", host))
	o := New(state, e.runner, fetch.New(false))
	o.Gate.LookPath = func(tool string) (string, error) {
		if tool == "ninja" {
			return "", errors.New("executable file not found in $PATH")
		}
		return "/usr/bin/" + tool, nil
	}
	_, err := o.Run(context.Background())
	var notFound *process.ToolNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "ninja", notFound.Tool)
	assert.Equal(t, 0, e.server.TotalHits())
}

func TestOldClang(t *testing.T) {
	e := newEnv(t)
	e.config.LLVM.MinClangVersion = *cli.MustNewVersion(">=7.0.0")
	_, err := e.run(core.Options{}, "linux")
	var tooLow *versions.VersionTooLowError
	assert.True(t, errors.As(err, &tooLow))
	assert.Equal(t, 0, len(e.runner.reset()))
}

func TestWrongRustToolchain(t *testing.T) {
	e := newEnv(t)
	e.config.Rust.Toolchain = "nightly-2019-12-05"
	_, err := e.run(core.Options{}, "linux")
	var mismatch *versions.VersionMismatchError
	assert.True(t, errors.As(err, &mismatch))
}

func TestMisdirectedExporterLink(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(core.Options{}, "linux")
	require.NoError(t, err)
	e.runner.reset()

	link := filepath.Join(e.config.ExporterHostDir(), "ast-exporter")
	require.NoError(t, os.Remove(link))
	require.NoError(t, os.Symlink(t.TempDir(), link))
	_, err = e.run(core.Options{}, "linux")
	var mismatch *integrate.LinkTargetMismatchError
	assert.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 0, len(e.runner.reset()))
}

func TestMissingExporterSource(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.RemoveAll(e.config.Paths.Exporter))
	_, err := e.run(core.Options{}, "linux")
	var missing *artifacts.MissingArtifactError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, e.config.Paths.Exporter, missing.Artifact.Path)
}

func TestTamperedArchive(t *testing.T) {
	e := newEnv(t)
	e.server.Add("/6.0.0/cfe-6.0.0.src.tar.xz", []byte("not what was signed"))
	_, err := e.run(core.Options{}, "linux")
	var sigErr *fetch.SignatureVerificationError
	require.True(t, errors.As(err, &sigErr))
	assert.Equal(t, "cfe", sigErr.Archive)
	assert.NoFileExists(t, filepath.Join(e.config.Paths.Deps, "cfe-6.0.0.src.tar.xz"))
	assert.NoDirExists(t, e.config.Paths.LLVMSource)
}

func TestExporterEditRebuilds(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(core.Options{}, "linux")
	require.NoError(t, err)
	e.runner.reset()

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(e.config.Paths.Exporter, "AstExporter.cpp"), later, later))
	results, err := e.run(core.Options{}, "linux")
	require.NoError(t, err)
	assert.Equal(t, []string{"llvm"}, Ran(results))
	assert.Equal(t, []string{"ninja"}, names(e.runner.reset()))
}

func TestTinyCBORBumpRebuildsExporter(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(core.Options{}, "linux")
	require.NoError(t, err)
	e.runner.reset()
	// The exporter was built a while before the bump.
	earlier := time.Now().Add(-time.Minute)
	for _, target := range e.config.LLVM.Target {
		require.NoError(t, os.Chtimes(filepath.Join(e.config.LLVMBin(), target), earlier, earlier))
	}

	e.server.Add("/tinycbor/v0.5.1", fetchtest.TarGz(t, map[string]string{
		"tinycbor-0.5.1/Makefile":         "prefix = /usr/local\n",
		"tinycbor-0.5.1/src/cborparser.c": "#include \"cbor.h\"\n",
	}))
	e.config.TinyCBOR.Version = "0.5.1"
	results, err := e.run(core.Options{}, "linux")
	require.NoError(t, err)
	assert.Equal(t, []string{"tinycbor", "llvm"}, Ran(results))
	assert.Equal(t, []string{e.config.BearBinary(), "make", "ninja"}, names(e.runner.reset()))
}

func names(commands []process.Command) []string {
	ret := make([]string, len(commands))
	for i, cmd := range commands {
		ret[i] = cmd.Name
	}
	return ret
}

// find returns the first command with the given name whose first argument is firstArg, if that's given.
func find(commands []process.Command, name, firstArg string) *process.Command {
	for _, cmd := range commands {
		if cmd.Name == name && (firstArg == "" || (len(cmd.Args) > 0 && cmd.Args[0] == firstArg)) {
			return &cmd
		}
	}
	return nil
}
