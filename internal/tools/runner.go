package tools

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
)

// ExitNotFound is reported when the executable could not be resolved.
const ExitNotFound int32 = 127

// ExitUnavailable is reported when a process ended without an exit status,
// e.g. it was killed by a signal.
const ExitUnavailable int32 = -1

// CommandRunner runs a command to completion and buffers its output.
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, []byte, int32, error)
}

// Spawner starts a command with its output streams exposed for incremental reads.
type Spawner interface {
	Spawn(name string, args ...string) (*Process, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (r ExecRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.Command(name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), ExitCode(err), err
}

// Spawn starts name with stdin closed. Callers must drain Stdout and Stderr
// before calling Wait.
func (r ExecRunner) Spawn(name string, args ...string) (*Process, error) {
	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Process{Stdout: stdout, Stderr: stderr, cmd: cmd}, nil
}

// Process is a started subprocess.
type Process struct {
	Stdout io.Reader
	Stderr io.Reader
	cmd    *exec.Cmd
}

func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait() int32 {
	return ExitCode(p.cmd.Wait())
}

// ExitCode maps a run/wait error to a process exit code.
func ExitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return ExitNotFound
	}
	return 1
}
