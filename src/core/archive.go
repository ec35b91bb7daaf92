package core

import (
	"path/filepath"
	"strings"

	"github.com/astbridge/astbuild/src/cli"
)

// An Archive describes one pinned upstream source archive.
type Archive struct {
	// Name is used in log messages.
	Name string
	URL  cli.URL
	// SignatureURL is the detached signature for the archive; empty if it isn't signed.
	SignatureURL cli.URL
	// File is where the archive is kept locally. Its name embeds the pinned version.
	File string
	// TopDir is the single top-level directory inside the archive.
	TopDir string
	// Dest is where TopDir ends up once extracted.
	Dest string
}

// LLVMArchives returns the LLVM, clang and clang-tools-extra archives, in the order they must be extracted.
// Each one extracts into the tree of the previous one.
func (config *Configuration) LLVMArchives() []Archive {
	ver := config.LLVM.Version.VersionString()
	src := config.Paths.LLVMSource
	dests := map[string]string{
		"llvm":              src,
		"cfe":               filepath.Join(src, "tools", "clang"),
		"clang-tools-extra": filepath.Join(src, "tools", "clang", "tools", "extra"),
	}
	archives := make([]Archive, 0, len(dests))
	for _, name := range []string{"llvm", "cfe", "clang-tools-extra"} {
		dir := name + "-" + ver + ".src"
		file := dir + ".tar.xz"
		url := config.LLVM.DownloadLocation.Join(ver, file)
		archives = append(archives, Archive{
			Name:         name,
			URL:          url,
			SignatureURL: url + ".sig",
			File:         filepath.Join(config.Paths.Deps, file),
			TopDir:       dir,
			Dest:         dests[name],
		})
	}
	return archives
}

// TinyCBORArchive returns the tinycbor source archive.
func (config *Configuration) TinyCBORArchive() Archive {
	ver := config.TinyCBOR.Version
	return Archive{
		Name:   "tinycbor",
		URL:    config.TinyCBOR.DownloadLocation.Join("v" + ver),
		File:   filepath.Join(config.Paths.Deps, "tinycbor-"+ver+".tar.gz"),
		TopDir: "tinycbor-" + ver,
		Dest:   config.TinyCBORSource(),
	}
}

// BearArchive returns the Bear source archive.
func (config *Configuration) BearArchive() Archive {
	ver := config.Bear.Version
	return Archive{
		Name:   "bear",
		URL:    config.Bear.DownloadLocation.Join(ver),
		File:   filepath.Join(config.Paths.Deps, "Bear-"+ver+".tar.gz"),
		TopDir: "Bear-" + ver,
		Dest:   config.BearSource(),
	}
}

// TinyCBORSource is the directory tinycbor is built in.
func (config *Configuration) TinyCBORSource() string {
	return filepath.Join(config.Paths.Deps, "tinycbor-"+config.TinyCBOR.Version)
}

// TinyCBORPrefix is the directory tinycbor is installed into.
func (config *Configuration) TinyCBORPrefix() string {
	return filepath.Join(config.Paths.Deps, "tinycbor")
}

// CompileCommands is the compile command database recorded while building tinycbor.
func (config *Configuration) CompileCommands() string {
	return filepath.Join(config.TinyCBORSource(), "compile_commands.json")
}

// BearSource is the directory Bear is built in.
func (config *Configuration) BearSource() string {
	return filepath.Join(config.Paths.Deps, "Bear-"+config.Bear.Version)
}

// BearPrefix is the directory Bear is installed into.
func (config *Configuration) BearPrefix() string {
	return filepath.Join(config.Paths.Deps, "bear")
}

// BearBinary is the installed bear executable.
func (config *Configuration) BearBinary() string {
	return filepath.Join(config.BearPrefix(), "bin", "bear")
}

// LLVMBin is the directory the native build puts its executables in.
func (config *Configuration) LLVMBin() string {
	return filepath.Join(config.Paths.LLVMBuild, "bin")
}

// ExporterBinary is the built exporter executable.
func (config *Configuration) ExporterBinary() string {
	return filepath.Join(config.LLVMBin(), config.Exporter.Name)
}

// ExporterHostDir is the directory inside the LLVM tree the exporter is linked into.
func (config *Configuration) ExporterHostDir() string {
	return filepath.Join(config.Paths.LLVMSource, "tools", "clang", "tools", "extra")
}

// ExporterDirectives returns the CMake lines that register the exporter, with the tinycbor prefix expanded.
func (config *Configuration) ExporterDirectives() []string {
	ret := make([]string, len(config.Exporter.Directive))
	for i, d := range config.Exporter.Directive {
		ret[i] = strings.ReplaceAll(d, CBORPrefixVar, config.TinyCBORPrefix())
	}
	return ret
}

// ImporterTargetDir is the cargo target directory for this host.
// Each host gets its own so a shared checkout can be built from several machines.
func (config *Configuration) ImporterTargetDir(host string) string {
	return filepath.Join(config.Paths.Importer, "target."+host)
}

// ImporterBinary is the built importer executable for this host and build type.
func (config *Configuration) ImporterBinary(host string, debug bool) string {
	profile := "release"
	if debug {
		profile = "debug"
	}
	return filepath.Join(config.ImporterTargetDir(host), profile, config.Importer.Name)
}

// CleanPaths returns every tree the build produces on the given host, which a clean pass removes.
// Importer outputs of other hosts sharing the checkout are left alone.
func (config *Configuration) CleanPaths(host string) []string {
	return []string{config.Paths.LLVMSource, config.Paths.LLVMBuild, config.Paths.Deps, config.ImporterTargetDir(host)}
}
