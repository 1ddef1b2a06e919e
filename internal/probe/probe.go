// Package probe runs the configured local health-check command under a hard
// wall-clock timeout and reports healthy/unhealthy.
package probe

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Timeout is the hard wall-clock deadline for the local check command.
const Timeout = 1 * time.Second

// Checker runs a shell command to determine local service health.
type Checker struct {
	log     *zap.Logger
	command string
	timeout time.Duration
}

// New creates a Checker that runs command through the shell with the
// default 1s timeout.
func New(log *zap.Logger, command string) *Checker {
	return &Checker{log: log, command: command, timeout: Timeout}
}

// Check runs the command and reports healthy = true iff it exits 0 within
// the timeout. The child's own process group is killed with SIGKILL if the
// deadline fires, so any grandchildren it spawned die with it. The child's
// stdout/stderr are discarded and it does not inherit a controlling
// terminal. Check never returns an error to the caller — transient failures
// (fork errors, missing binary, non-zero exit, timeout) are all reported as
// unhealthy, with the reason logged.
func (c *Checker) Check() bool {
	if c.command == "" {
		c.log.Warn("local check command is empty, reporting unhealthy")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	cmd := exec.Command("/bin/sh", "-c", c.command)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		c.log.Error("local check failed to start", zap.Error(err))
		return false
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		c.log.Error("local check spent more than the timeout to run", zap.Duration("timeout", c.timeout))
		if err := killProcessGroup(cmd.Process.Pid); err != nil {
			c.log.Error("failed to kill timed-out check's process group", zap.Error(err))
		}
		<-done // reap; Wait returns once the kill lands
		return false

	case err := <-done:
		if err != nil {
			c.log.Error("local check returned non-zero", zap.Error(err))
			return false
		}
		return true
	}
}

// killProcessGroup sends SIGKILL to the whole process group led by pid, so
// grandchildren the check spawned (e.g. a pipeline) die along with it.
// ESRCH means the group is already gone, which is not an error here.
func killProcessGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
