// Utilities for reading the astbuild config files.

package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/please-build/gcfg"

	"github.com/astbridge/astbuild/src/cli"
	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/fs"
)

var log = logging.Log

// ConfigFileName is the file name for the typical project config; normally checked in.
const ConfigFileName = ".astbuildconfig"

// LocalConfigFileName is the file name for the local config, which overrides the project one on this machine.
const LocalConfigFileName = ".astbuildconfig.local"

// CBORPrefixVar is replaced by the tinycbor install prefix in exporter CMake directives.
const CBORPrefixVar = "$CBOR_PREFIX"

// DefaultSentinel is the line that marks the exporter's CMake directives as already present.
const DefaultSentinel = "add_subdirectory(ast-exporter)"

func readConfigFile(config *Configuration, filename string) error {
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil // It's not an error to not have the file at all.
	} else if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	log.Debug("Read config from %s", filename)
	return nil
}

// ReadConfigFiles reads the config for the project rooted at the given directory.
// Values start from the defaults and are overridden by the project file, the local file and then
// each of the extra files in turn. The returned config has all of its paths resolved.
func ReadConfigFiles(root string, extra []string) (*Configuration, error) {
	config := DefaultConfiguration()
	filenames := append([]string{
		filepath.Join(root, ConfigFileName),
		filepath.Join(root, LocalConfigFileName),
	}, extra...)
	for _, filename := range filenames {
		if err := readConfigFile(config, filename); err != nil {
			return nil, err
		}
	}
	// Slices append rather than overwrite when read, so their defaults are applied afterwards.
	setDefault(&config.LLVM.Target, []string{"ast-exporter", "FileCheck", "count", "not"})
	setDefault(&config.Exporter.Directive, []string{
		"include_directories(" + CBORPrefixVar + "/include)",
		"link_directories(" + CBORPrefixVar + "/lib)",
		DefaultSentinel,
	})
	if err := config.resolve(root); err != nil {
		return nil, err
	}
	return config, config.validate()
}

// DefaultConfiguration returns the default configuration, with paths still relative to the project root.
func DefaultConfiguration() *Configuration {
	config := Configuration{}
	config.Paths.Deps = "dependencies"
	config.Paths.Exporter = "ast-exporter"
	config.Paths.Importer = "ast-importer"
	config.LLVM.Version = *cli.MustNewVersion("6.0.0")
	config.LLVM.DownloadLocation = "http://releases.llvm.org"
	config.LLVM.PublicKey = "hans-gpg-key.asc"
	config.LLVM.PublicKeyURL = "http://releases.llvm.org/6.0.0/hans-gpg-key.asc"
	config.LLVM.Generator = "Ninja"
	config.LLVM.TargetsToBuild = "X86"
	config.LLVM.CCompiler = "clang"
	config.LLVM.CxxCompiler = "clang++"
	config.LLVM.MinClangVersion = *cli.MustNewVersion(">=3.6.0")
	config.TinyCBOR.Version = "0.5.0"
	config.TinyCBOR.DownloadLocation = "https://codeload.github.com/intel/tinycbor/tar.gz"
	config.Bear.Version = "2.3.11"
	config.Bear.DownloadLocation = "https://codeload.github.com/rizsotto/Bear/tar.gz"
	config.Rust.Toolchain = "nightly-2018-01-06"
	config.Rust.RustcVersion = "1.25.0-nightly"
	config.Exporter.Name = "ast-exporter"
	config.Exporter.Sentinel = DefaultSentinel
	config.Exporter.OutputSuffix = ".cbor"
	config.Importer.Name = "ast-importer"
	return &config
}

// A Configuration contains all the settings that can be configured about astbuild.
// It is built once at startup and never modified afterwards.
type Configuration struct {
	Paths struct {
		// Root is the project root; it is set from the command line, not from config files.
		Root string `gcfg:"-"`
		// Deps holds all downloaded archives, extracted sources and installed dependencies.
		Deps string
		// LLVMSource and LLVMBuild default to subdirectories of Deps named after the LLVM version.
		LLVMSource string
		LLVMBuild  string
		Exporter   string
		Importer   string
	}
	LLVM struct {
		Version          cli.Version
		DownloadLocation cli.URL
		// PublicKey is the key the source archives are verified against, relative to Deps.
		PublicKey    string
		PublicKeyURL cli.URL
		Generator    string
		// Target lists the build targets; clang is added when requested on the command line.
		Target          []string
		TargetsToBuild  string
		CCompiler       string
		CxxCompiler     string
		MinClangVersion cli.Version
	}
	TinyCBOR struct {
		Version          string
		DownloadLocation cli.URL
	}
	Bear struct {
		Version          string
		DownloadLocation cli.URL
	}
	Rust struct {
		Toolchain    string
		RustcVersion string
	}
	Exporter struct {
		Name     string
		Sentinel string
		// Directive lines are appended to the host CMakeLists.txt; $CBOR_PREFIX is expanded.
		Directive []string
		// OutputSuffix, if set, names the file the exporter must produce next to each source file.
		OutputSuffix string
	}
	Importer struct {
		Name string
	}
}

// resolve makes every configured path absolute against the project root.
func (config *Configuration) resolve(root string) error {
	root, err := filepath.Abs(fs.ExpandHomePath(root))
	if err != nil {
		return err
	}
	config.Paths.Root = root
	abs := func(p *string, base string) {
		*p = fs.ExpandHomePath(*p)
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(&config.Paths.Deps, root)
	abs(&config.Paths.Exporter, root)
	abs(&config.Paths.Importer, root)
	llvmDir := filepath.Join(config.Paths.Deps, "llvm-"+config.LLVM.Version.VersionString())
	defaultPath(&config.Paths.LLVMSource, llvmDir, "src")
	defaultPath(&config.Paths.LLVMBuild, llvmDir, "build")
	abs(&config.Paths.LLVMSource, root)
	abs(&config.Paths.LLVMBuild, root)
	abs(&config.LLVM.PublicKey, config.Paths.Deps)
	return nil
}

func (config *Configuration) validate() error {
	if !config.LLVM.Version.IsSet {
		return fmt.Errorf("llvm.version must be set")
	}
	if config.Exporter.Sentinel == "" {
		return fmt.Errorf("exporter.sentinel must not be empty")
	}
	for _, d := range config.Exporter.Directive {
		if strings.Contains(d, config.Exporter.Sentinel) {
			return nil
		}
	}
	// Without this the directives would be appended again on every run.
	return fmt.Errorf("exporter directives must contain the sentinel %q", config.Exporter.Sentinel)
}

// setDefault sets a slice of strings in the config if the set one is empty.
func setDefault(conf *[]string, def []string) {
	if len(*conf) == 0 {
		*conf = def
	}
}

// defaultPath sets a variable to a location in a directory if it's not already set.
func defaultPath(conf *string, dir, file string) {
	if *conf == "" {
		*conf = filepath.Join(dir, file)
	}
}
