package aider

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// NewHandler returns a subagent.Handler (imported as a plain function type
// to avoid a dependency cycle: subagent defines the type, aider only
// implements it) backed by a real coding-agent CLI process. Each
// invocation spawns a fresh process, feeds it the formatted prompt on
// stdin, waits for the CLI to re-print its prompt (idle) or for cfg.Timeout
// to elapse, then shuts the process down gracefully before returning.
//
// The returned closure matches subagent.Handler's signature exactly:
// func(ctx context.Context, prompt string) (summary string, tokensIn, tokensOut int, err error).
func NewHandler(cfg Config, log zerolog.Logger) func(ctx context.Context, prompt string) (string, int, int, error) {
	return func(ctx context.Context, prompt string) (string, int, int, error) {
		cmd := exec.Command(cfg.Binary, cfg.Args()...)
		if cfg.WorkDir != "" {
			cmd.Dir = cfg.WorkDir
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return "", -1, -1, fmt.Errorf("aider: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return "", -1, -1, fmt.Errorf("aider: stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return "", -1, -1, fmt.Errorf("aider: stderr pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return "", -1, -1, fmt.Errorf("aider: failed to launch %s: %w", cfg.Binary, err)
		}

		bridge := NewBridge(fmt.Sprintf("pid-%d", cmd.Process.Pid), stdin, stdout, stderr, log)
		bridge.Start()
		defer bridge.Close()

		if err := bridge.SendPrompt(prompt); err != nil {
			stopProcess(cmd)
			return "", -1, -1, fmt.Errorf("aider: failed to send prompt: %w", err)
		}

		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}

		select {
		case <-bridge.Idle():
		case <-ctx.Done():
			stopProcess(cmd)
			return bridge.Summary(), -1, -1, ctx.Err()
		case <-time.After(timeout):
			stopProcess(cmd)
			return bridge.Summary(), -1, -1, fmt.Errorf("aider: invocation timed out after %s", timeout)
		}

		bridge.Quit()
		stopProcess(cmd)

		if bridge.Status() == "error" {
			return bridge.Summary(), -1, -1, fmt.Errorf("aider: coding agent reported an error")
		}
		return bridge.Summary(), -1, -1, nil
	}
}

// stopProcess escalates graceful shutdown: a few seconds to exit on its
// own, then SIGTERM, then SIGKILL.
func stopProcess(cmd *exec.Cmd) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return
	case <-time.After(3 * time.Second):
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(3 * time.Second):
	}

	_ = cmd.Process.Kill()
	<-done
}
