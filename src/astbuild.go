package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/astbridge/astbuild/src/bootstrap"
	"github.com/astbridge/astbuild/src/cli"
	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/core"
	"github.com/astbridge/astbuild/src/fetch"
	"github.com/astbridge/astbuild/src/process"
)

var log = logging.Log

var opts struct {
	Usage string `usage:"astbuild builds the AST exporter inside a pinned LLVM tree, along with its dependencies and the AST importer.\n\nEvery step is skipped if its output is already present, so it's cheap to re-run."`

	Verbosity cli.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (error, warning, notice, info, debug)"`
	Root      string        `long:"root" default:"." description:"Root of the project, containing ast-exporter and ast-importer"`
	Config    []string      `long:"config" description:"Additional config files to read, after .astbuildconfig and .astbuildconfig.local"`

	CleanAll          bool `short:"c" long:"clean_all" description:"Remove all downloaded and built dependencies before building"`
	SanityTest        bool `short:"t" long:"test" description:"Run the exporter over tinycbor's sources once it's built"`
	WithClang         bool `long:"with_clang" description:"Also build clang itself"`
	WithoutAssertions bool `long:"without_assertions" description:"Build LLVM without assertions"`
	Debug             bool `short:"d" long:"debug" description:"Build LLVM and the importer in debug mode"`
}

func main() {
	cli.ParseFlagsOrDie("astbuild", &opts)
	cli.InitLogging(opts.Verbosity)

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		log.Fatalf("%s", err)
	}
	config, err := core.ReadConfigFiles(root, opts.Config)
	if err != nil {
		log.Fatalf("%s", err)
	}
	state := core.NewBuildState(config, core.Options{
		CleanAll:   opts.CleanAll,
		SanityTest: opts.SanityTest,
		WithClang:  opts.WithClang,
		Assertions: !opts.WithoutAssertions,
		Debug:      opts.Debug,
	}, core.HostCapabilities())

	o := bootstrap.New(state, process.New(), fetch.New(cli.StdErrIsATerminal))
	results, err := o.Run(context.Background())
	if err != nil {
		log.Fatalf("%s", err)
	}
	if ran := bootstrap.Ran(results); len(ran) == 0 {
		cli.Printf("${BOLD_GREEN}Everything is up to date.${RESET}\n")
	} else {
		cli.Printf("${BOLD_GREEN}Built successfully${RESET} (%d of %d steps did work)\n", len(ran), len(results))
	}
	cli.Printf("${GREY}Exporter:${RESET} %s\n", config.ExporterBinary())
	cli.Printf("${GREY}Importer:${RESET} %s\n", config.ImporterBinary(state.Capabilities.Host, opts.Debug))
	os.Exit(0)
}
