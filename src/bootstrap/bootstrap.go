// Package bootstrap runs the fixed sequence of steps that builds the exporter and importer.
//
// Steps run strictly in order and each one decides for itself, from what is on disk, whether it
// has anything to do. Running the sequence twice without anything changing in between does
// no work the second time. The first failing step stops the run.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/astbridge/astbuild/src/artifacts"
	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/core"
	"github.com/astbridge/astbuild/src/fetch"
	"github.com/astbridge/astbuild/src/native"
	"github.com/astbridge/astbuild/src/process"
	"github.com/astbridge/astbuild/src/versions"
)

var log = logging.Log

// A Step is one unit of work in the sequence.
type Step struct {
	Name string
	// Skip returns a reason the step doesn't apply to this run, or the empty string if it does.
	Skip func() string
	// Run performs the step if it needs doing, and returns true if it did anything.
	Run func(ctx context.Context) (bool, error)
}

// A StepResult records what happened to one step.
type StepResult struct {
	Name string
	// Ran is true if the step found work to do and did it.
	Ran bool
	// Skipped is the reason the step didn't apply, if it didn't.
	Skipped string
}

// An Orchestrator runs the build sequence for one BuildState.
type Orchestrator struct {
	State   *core.BuildState
	Runner  process.Runner
	Fetcher *fetch.Fetcher
	Gate    *versions.Gate
	Driver  *native.Driver
	Checker artifacts.Checker
	// LinkJobs returns the number of parallel link jobs to configure LLVM with.
	LinkJobs func() int
}

// New returns a new Orchestrator running tools with the given runner.
func New(state *core.BuildState, runner process.Runner, fetcher *fetch.Fetcher) *Orchestrator {
	return &Orchestrator{
		State:    state,
		Runner:   runner,
		Fetcher:  fetcher,
		Gate:     versions.NewGate(runner),
		Driver:   &native.Driver{Runner: runner},
		Checker:  artifacts.Checker{TracingAvailable: state.Capabilities.CommandTracingAvailable},
		LinkJobs: core.ParallelLinkJobs,
	}
}

// Run runs every step in order, stopping at the first one that fails.
// The results of all steps attempted so far are returned either way.
func (o *Orchestrator) Run(ctx context.Context) ([]StepResult, error) {
	steps := o.Steps()
	results := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result := StepResult{Name: step.Name}
		if step.Skip != nil {
			result.Skipped = step.Skip()
		}
		if result.Skipped != "" {
			log.Warning("[%d/%d] Skipping %s: %s", i+1, len(steps), step.Name, result.Skipped)
			results = append(results, result)
			continue
		}
		log.Notice("[%d/%d] %s", i+1, len(steps), step.Name)
		ran, err := step.Run(ctx)
		result.Ran = ran
		results = append(results, result)
		if err != nil {
			return results, fmt.Errorf("%s: %w", step.Name, err)
		}
		if !ran {
			log.Info("%s is already up to date", step.Name)
		}
	}
	return results, nil
}

// Ran returns the names of the steps that did any work.
func Ran(results []StepResult) []string {
	var ret []string
	for _, r := range results {
		if r.Ran {
			ret = append(ret, r.Name)
		}
	}
	return ret
}

// Steps returns the sequence of steps for this run.
func (o *Orchestrator) Steps() []Step {
	opts := o.State.Options
	tracing := o.State.Capabilities.CommandTracingAvailable
	return []Step{
		{Name: "clean", Skip: unless(opts.CleanAll, "not requested"), Run: o.clean},
		{Name: "platform", Run: o.checkPlatform},
		{Name: "tools", Run: o.checkTools},
		{Name: "rust toolchain", Run: o.checkRust},
		{Name: "clang", Run: o.checkClang},
		{Name: "directories", Run: o.ensureDirs},
		{Name: "bear", Skip: unless(tracing, "command tracing is unavailable on "+o.State.Capabilities.OS), Run: o.buildBear},
		{Name: "llvm sources", Run: o.fetchLLVM},
		{Name: "integrate exporter", Run: o.integrateExporter},
		{Name: "tinycbor", Run: o.installTinyCBOR},
		{Name: "llvm", Run: o.buildLLVM},
		{Name: "importer", Run: o.buildImporter},
		{Name: "sanity test", Skip: o.skipSanityTest, Run: o.sanityTest},
	}
}

// unless returns a Skip function giving the reason when the condition is false.
func unless(condition bool, reason string) func() string {
	return func() string {
		if condition {
			return ""
		}
		return reason
	}
}
