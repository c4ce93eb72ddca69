/*
A wrapper around the os/exec package that supports timeouts and testing.

Example usage:

Simple command with argument:

	err := exec.Run(ctx, &exec.Command{
		Name: "touch",
		Args: []string{file},
	})

Capture output with a timeout:
output := bytes.Buffer{}

	err := exec.Run(ctx, &exec.Command{
		Name:           "git",
		Args:           []string{"status", "--porcelain"},
		Dir:            repoDir,
		CombinedOutput: &output,
		Timeout:        30 * time.Second,
	})
*/
package exec

import (
	"bytes"
	"context"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
)

const (
	// TimeoutError is the string appearing in errors returned for commands
	// which were killed because they exceeded their Timeout.
	TimeoutError = "Command killed since it took longer than"
)

type contextKeyType string

const runFnContextKey contextKeyType = "runFn"

// Command describes a single subprocess invocation.
type Command struct {
	// Name of the command, as passed to osexec.Command. Can be the path to
	// a binary or the name of a command that osexec.LookPath can find.
	Name string
	// Arguments of the command, not including Name.
	Args []string
	// The environment of the process. If nil, the current process's
	// environment is used.
	Env []string
	// If Env is non-nil, adds the current process's PATH to Env.
	InheritPath bool
	// If Env is non-nil, adds the entire current environment to Env.
	InheritEnv bool
	// The working directory of the command. If empty, runs in the current
	// process's current directory.
	Dir string
	// See docs for osexec.Cmd.Stdin.
	Stdin io.Reader
	// Sends the stdout of the command to this Writer, e.g. os.File or
	// bytes.Buffer.
	Stdout io.Writer
	// Sends the stderr of the command to this Writer.
	Stderr io.Writer
	// Sends the combined stdout and stderr of the command to this Writer,
	// in addition to Stdout and Stderr.
	CombinedOutput io.Writer
	// Time limit to wait for the command to finish. No limit if not
	// specified.
	Timeout time.Duration
	// If true, does not log the command being run.
	Quiet bool
}

// RunFn is the type of the function which actually executes a Command.
type RunFn func(ctx context.Context, cmd *Command) error

// NewContext returns a context.Context whose Run calls are delegated to the
// given RunFn. Used by tests to intercept subprocess invocations.
func NewContext(ctx context.Context, runFn RunFn) context.Context {
	return context.WithValue(ctx, runFnContextKey, runFn)
}

func getRunFn(ctx context.Context) RunFn {
	if fn := ctx.Value(runFnContextKey); fn != nil {
		return fn.(RunFn)
	}
	return DefaultRun
}

// DebugString returns the command as a human-readable string.
func DebugString(command *Command) string {
	return strings.Join(append([]string{command.Name}, command.Args...), " ")
}

// Given io.Writers or nils, return a single writer that writes to all, or
// nil if no non-nil writers.
func squashWriters(writers ...io.Writer) io.Writer {
	nonNil := make([]io.Writer, 0, len(writers))
	for _, writer := range writers {
		if writer != nil {
			nonNil = append(nonNil, writer)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return io.MultiWriter(nonNil...)
	}
}

func createCmd(ctx context.Context, command *Command) *osexec.Cmd {
	cmd := osexec.CommandContext(ctx, command.Name, command.Args...)
	if len(command.Env) != 0 {
		cmd.Env = command.Env
		if command.InheritEnv {
			cmd.Env = append(os.Environ(), cmd.Env...)
		} else if command.InheritPath {
			cmd.Env = append(cmd.Env, "PATH="+os.Getenv("PATH"))
		}
	}
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin
	cmd.Stdout = squashWriters(command.Stdout, command.CombinedOutput)
	cmd.Stderr = squashWriters(command.Stderr, command.CombinedOutput)
	return cmd
}

// DefaultRun runs the command and waits for it to finish, killing it if the
// Timeout elapses first.
func DefaultRun(ctx context.Context, command *Command) error {
	if command.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}
	cmd := createCmd(ctx, command)
	if !command.Quiet {
		sklog.Debugf("Executing '%s' (where %q)", DebugString(command), command.Dir)
	}
	if err := cmd.Start(); err != nil {
		return skerr.Wrapf(err, "unable to start command %s", DebugString(command))
	}
	err := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return skerr.Fmt("%s %s: %s", TimeoutError, command.Timeout, DebugString(command))
	}
	if err != nil {
		return skerr.Wrapf(err, "command exited unexpectedly: %s", DebugString(command))
	}
	return nil
}

// Run runs command and waits for it to finish. If any failure, returns
// non-nil. Obeys any RunFn placed in the context via NewContext.
func Run(ctx context.Context, command *Command) error {
	return getRunFn(ctx)(ctx, command)
}

// RunCommand executes the given command and returns the combined stdout and
// stderr. May also return an error if the command exited with a non-zero
// status or there is any other error.
func RunCommand(ctx context.Context, command *Command) (string, error) {
	output := bytes.Buffer{}
	command.CombinedOutput = &output
	err := Run(ctx, command)
	return output.String(), err
}

// RunCwd executes the given command in the given directory. Returns the
// combined stdout and stderr. May also return an error if the command exited
// with a non-zero status or there is any other error.
func RunCwd(ctx context.Context, cwd string, cmd ...string) (string, error) {
	if len(cmd) == 0 {
		return "", skerr.Fmt("at least the command name must be specified")
	}
	command := &Command{
		Name: cmd[0],
		Args: cmd[1:],
		Dir:  cwd,
	}
	return RunCommand(ctx, command)
}
