package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	readyPollInterval = time.Second
	readyTimeout      = 30 * time.Second
)

// Process manages an optionally embedded gateway binary. In
// "external" mode the binary is expected to already be running and
// Start is a no-op.
type Process struct {
	command string
	dataDir string
	client  *Client

	cmd *exec.Cmd
}

// NewProcess prepares a child-process launcher. command is the full
// command line from config; empty means external mode.
func NewProcess(command, dataDir string, client *Client) *Process {
	return &Process{command: command, dataDir: dataDir, client: client}
}

// Start launches the gateway binary (when configured) and waits until
// its HTTP surface answers IsRunning and its session store checks out.
func (p *Process) Start(ctx context.Context) error {
	if p.command != "" {
		parts := strings.Fields(p.command)
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Dir = p.dataDir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("launch gateway: %w", err)
		}
		p.cmd = cmd
		log.Printf("[gateway] launched %q (pid %d)", parts[0], cmd.Process.Pid)
	}
	return p.waitReady(ctx)
}

func (p *Process) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(readyTimeout)
	for time.Now().Before(deadline) {
		if p.client.IsRunning(ctx) {
			ok, err := p.client.CheckDatabaseOK(ctx)
			if err == nil && ok {
				log.Printf("[gateway] ready")
				return nil
			}
			if err != nil {
				log.Printf("[gateway] database check: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
	return fmt.Errorf("gateway not ready after %s", readyTimeout)
}

// Stop terminates the child process group if one was launched.
func (p *Process) Stop() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	// Negative pid signals the whole group.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		log.Printf("[gateway] stop child: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}
	p.cmd = nil
}
