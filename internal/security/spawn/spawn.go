// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package spawn is the shared child-process connection plumbing behind the
// rsh, ssh, and local drivers (spec §4.F.2): "opening a connection" means
// spawning a child whose stdin/stdout become the connection's read/write
// fds, with framing and authentication otherwise identical to plain TCP.
package spawn

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/nishisan-dev/n-dispatch/internal/security"
)

// Conn adapts a spawned child's stdin/stdout pipes into the single
// io.ReadWriteCloser streamframe.New expects.
type Conn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *Conn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close closes both pipes and waits for the child to exit, reaping it so it
// never lingers as a zombie.
func (c *Conn) Close() error {
	stdinErr := c.stdin.Close()
	stdoutErr := c.stdout.Close()
	waitErr := c.cmd.Wait()
	if stdinErr != nil {
		return stdinErr
	}
	if stdoutErr != nil {
		return stdoutErr
	}
	return waitErr
}

// Spawn execs path with args and env, wiring stdin/stdout into a Conn and
// draining stderr to logger. If dropToUID > 0, the child's credentials are
// set before exec (spec §4.F.2: "the parent drops root privileges before
// exec") — done via SysProcAttr.Credential, which the kernel applies at
// exec time, rather than calling setuid(2) in the parent first (grounded on
// the same low-level syscall-package style this codebase already uses in
// the reserved-port bind for privileged setup/teardown around a system
// call).
func Spawn(path string, args []string, env []string, dropToUID int, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(path, args...)
	cmd.Env = env

	if dropToUID > 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(dropToUID), Gid: uint32(dropToUID)},
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, security.NewError(security.KindChildSpawnFailed, "", "spawn", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, security.NewError(security.KindChildSpawnFailed, "", "spawn", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, security.NewError(security.KindChildSpawnFailed, "", "spawn", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, security.NewError(security.KindChildSpawnFailed, "", "spawn", err)
	}

	go drainStderr(stderr, logger, path)

	return &Conn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func drainStderr(r io.Reader, logger *slog.Logger, path string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Warn("child stderr", "path", path, "line", scanner.Text())
	}
}

// Stdio adapts the current process's own stdin/stdout into a
// io.ReadWriteCloser — used by a driver's Accept when this process was
// itself spawned (by rsh/sshd/a local fork) to act as the accepting side of
// one connection (spec §4.F.2: the dispatcher process's stdin/stdout are
// the connection once it has been launched this way).
type Stdio struct{}

func (Stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (Stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (Stdio) Close() error                { return nil }
