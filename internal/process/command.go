// Package process spawns and observes the external processes of a test run.
package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"slices"

	"github.com/alessio/shellescape"
)

// Command describes an executable invocation. It is a value type so that
// service handles can derive variants (for example with extra flags) without
// mutating a shared command.
type Command struct {
	Path string
	Args []string
	Env  []string // appended to the harness environment
	Dir  string
}

// WithArgs returns a copy of c with extra arguments appended.
func (c Command) WithArgs(args ...string) Command {
	c.Args = append(slices.Clone(c.Args), args...)
	return c
}

// WithEnv returns a copy of c with extra environment entries.
func (c Command) WithEnv(env ...string) Command {
	c.Env = append(slices.Clone(c.Env), env...)
	return c
}

// String renders the command as a shell-quoted line for logs and errors.
func (c Command) String() string {
	return shellescape.QuoteCommand(append([]string{c.Path}, c.Args...))
}

// build returns an unstarted exec.Cmd.
func (c Command) build() *exec.Cmd {
	cmd := exec.Command(c.Path, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Dir = c.Dir
	return cmd
}

// Toolchain resolves a Taler tool name to a runnable command.
// Tests substitute a toolchain that re-executes the test binary.
type Toolchain interface {
	Command(tool string, args ...string) Command
}

// BinDirToolchain finds tools in Dir, or on PATH when Dir is empty.
type BinDirToolchain struct {
	Dir string
}

// Command implements Toolchain.
func (t BinDirToolchain) Command(tool string, args ...string) Command {
	path := tool
	if t.Dir != "" {
		path = filepath.Join(t.Dir, tool)
	}
	return Command{Path: path, Args: args}
}

// Lookup reports the resolved path of tool, or an error if it cannot be run.
func (t BinDirToolchain) Lookup(tool string) (string, error) {
	return exec.LookPath(t.Command(tool).Path)
}
