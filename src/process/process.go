// Package process runs the external tools that do the real work of each build step.
// Tools are never retried and never time out; a non-zero exit is always fatal to the caller.
// Tools run in their own process group, so only Linux and macOS are supported.
package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alessio/shellescape"

	"github.com/astbridge/astbuild/src/cli"
	"github.com/astbridge/astbuild/src/cli/logging"
)

var log = logging.Log

// A Command describes a single invocation of an external tool.
type Command struct {
	// Name is the tool to run; it's looked up on PATH unless it contains a separator.
	Name string
	Args []string
	// Dir is the working directory. Empty means the current one.
	Dir string
	// Env holds overrides applied on top of the inherited environment.
	Env map[string]string
}

// String returns the command line as it could be pasted into a shell.
func (c Command) String() string {
	quoted := make([]string, 0, len(c.Args)+1)
	quoted = append(quoted, shellescape.Quote(c.Name))
	for _, arg := range c.Args {
		quoted = append(quoted, shellescape.Quote(arg))
	}
	return strings.Join(quoted, " ")
}

// A Runner invokes external tools.
// Run is used for tools doing build work; their output is streamed straight to our own.
// Output is used for read-only probes (versions, search paths) and returns combined stdout and stderr.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
	Output(ctx context.Context, cmd Command) ([]byte, error)
}

// An Executor is the Runner that starts real subprocesses.
// It registers as a signal handler to terminate any live children when we are killed.
type Executor struct {
	Stdout, Stderr io.Writer
	processes      map[*exec.Cmd]struct{}
	mutex          sync.Mutex
}

// New returns a new Executor streaming to our own stdout and stderr.
func New() *Executor {
	e := &Executor{
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		processes: map[*exec.Cmd]struct{}{},
	}
	cli.AtExit(e.killAll) // Kill any subprocess if we are ourselves killed
	return e
}

// Run runs the given command to completion, streaming its output.
func (e *Executor) Run(ctx context.Context, c Command) error {
	log.Notice("Running %s", c)
	cmd, err := e.command(c)
	if err != nil {
		return err
	}
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	return e.wait(ctx, c, cmd)
}

// Output runs the given command and returns everything it wrote.
func (e *Executor) Output(ctx context.Context, c Command) ([]byte, error) {
	log.Debug("Querying %s", c)
	cmd, err := e.command(c)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err = e.wait(ctx, c, cmd)
	return out.Bytes(), err
}

// command resolves the tool and prepares (but does not start) a subprocess for it.
func (e *Executor) command(c Command) (*exec.Cmd, error) {
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return nil, &ToolNotFoundError{Tool: c.Name, Err: err}
	}
	cmd := e.execCommand(path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = MergeEnv(os.Environ(), c.Env)
	}
	return cmd, nil
}

// wait starts the command and waits for it, killing it if the context is cancelled first.
// We deliberately don't use CommandContext because it only sends SIGKILL to the immediate
// child, whereas cmake and ninja have children of their own.
func (e *Executor) wait(ctx context.Context, c Command, cmd *exec.Cmd) error {
	defer e.removeProcess(cmd)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return &ToolExecutionError{Tool: c.Name, Args: c.Args, Dir: c.Dir, ExitCode: -1, Err: err}
	}
	ch := make(chan error, 1)
	go func() { ch <- cmd.Wait() }()
	var err error
	select {
	case err = <-ch:
	case <-ctx.Done():
		e.KillProcess(cmd, ch)
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ToolExecutionError{Tool: c.Name, Args: c.Args, Dir: c.Dir, ExitCode: code, Err: err}
}

// KillProcess kills a process group, attempting to send it a SIGTERM first followed by a SIGKILL
// shortly after if it hasn't exited. done receives the result of the process' Wait.
func (e *Executor) KillProcess(cmd *exec.Cmd, done <-chan error) {
	success := killProcess(cmd, syscall.SIGTERM, 30*time.Millisecond, done)
	if !killProcess(cmd, syscall.SIGKILL, time.Second, done) && !success {
		log.Error("Failed to kill inferior process %d", cmd.Process.Pid)
	}
}

// killProcess signals the process group and reports whether it exited within the timeout.
func killProcess(cmd *exec.Cmd, sig syscall.Signal, timeout time.Duration, done <-chan error) bool {
	if cmd.Process == nil {
		return false
	}
	log.Debug("Sending signal %s to -%d", sig, cmd.Process.Pid)
	syscall.Kill(-cmd.Process.Pid, sig) // Kill the group - we always set one in execCommand.
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Executor) registerProcess(cmd *exec.Cmd) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.processes[cmd] = struct{}{}
}

func (e *Executor) removeProcess(cmd *exec.Cmd) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.processes, cmd)
}

// killAll kills all live subprocesses of this executor.
func (e *Executor) killAll() {
	e.mutex.Lock()
	processes := make([]*exec.Cmd, 0, len(e.processes))
	for proc := range e.processes {
		processes = append(processes, proc)
	}
	e.mutex.Unlock()
	for _, proc := range processes {
		if proc.Process != nil {
			log.Warning("Terminating %s", proc.Path)
			syscall.Kill(-proc.Process.Pid, syscall.SIGTERM)
		}
	}
}

// MergeEnv returns base with the given overrides applied, sorted by variable name.
func MergeEnv(base []string, overrides map[string]string) []string {
	vars := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	for k, v := range overrides {
		vars[k] = v
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
