package aider

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Bridge pipes one coding-agent CLI invocation's stdin/stdout/stderr and
// classifies output lines into a status, the same status vocabulary a
// human operator watching the CLI's scrollback would recognize. EXECUTOR
// only ever cares about two transitions: the process went idle (finished
// the prompt, printed a fresh `>` prompt) or it errored.
type Bridge struct {
	id     string
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	log    zerolog.Logger

	mu       sync.Mutex
	status   string
	output   []string
	errLines []string
	idleCh   chan struct{}
	idleOnce sync.Once
}

// NewBridge wraps one process's pipes.
func NewBridge(id string, stdin io.WriteCloser, stdout, stderr io.ReadCloser, log zerolog.Logger) *Bridge {
	return &Bridge{
		id:     id,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		log:    log.With().Str("agent", id).Logger(),
		status: "starting",
		idleCh: make(chan struct{}),
	}
}

// Start launches the output-parsing goroutines. Call once, before SendPrompt.
func (b *Bridge) Start() {
	go b.parseStdout()
	go b.parseStderr()
}

func (b *Bridge) parseStdout() {
	scanner := bufio.NewScanner(b.stdout)
	for scanner.Scan() {
		line := scanner.Text()
		b.mu.Lock()
		b.output = append(b.output, line)
		b.mu.Unlock()
		b.classify(line)
	}
}

func (b *Bridge) parseStderr() {
	scanner := bufio.NewScanner(b.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		b.mu.Lock()
		b.errLines = append(b.errLines, line)
		b.mu.Unlock()
		if strings.Contains(strings.ToLower(line), "error") {
			b.setStatus("error")
		}
	}
}

// classify interprets one stdout line to detect the idle transition: the
// CLI re-printing its `>` prompt means it is done with the current edit.
func (b *Bridge) classify(line string) {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(trimmed, ">"):
		b.setStatus("idle")
		b.idleOnce.Do(func() { close(b.idleCh) })
	case strings.Contains(lower, "error"):
		b.setStatus("error")
	default:
		b.setStatus("working")
	}
}

func (b *Bridge) setStatus(s string) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// Status returns the bridge's current classification.
func (b *Bridge) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Idle is closed the first time the CLI re-prints its prompt.
func (b *Bridge) Idle() <-chan struct{} {
	return b.idleCh
}

// SendPrompt writes text to the CLI's stdin as one line.
func (b *Bridge) SendPrompt(text string) error {
	_, err := fmt.Fprintln(b.stdin, strings.ReplaceAll(text, "\n", " "))
	return err
}

// Quit sends the CLI's own graceful-exit command.
func (b *Bridge) Quit() {
	fmt.Fprintln(b.stdin, "/quit")
}

// Output returns every captured stdout line so far, newest last.
func (b *Bridge) Output() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.output))
	copy(out, b.output)
	return out
}

// Summary renders the captured output as the sub-agent's result summary:
// the last few lines of stdout, or the first stderr line if nothing else
// was captured.
func (b *Bridge) Summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.output) > 0 {
		n := len(b.output)
		start := n - 5
		if start < 0 {
			start = 0
		}
		return strings.Join(b.output[start:n], "\n")
	}
	if len(b.errLines) > 0 {
		return b.errLines[0]
	}
	return ""
}

// Close releases the process's pipes.
func (b *Bridge) Close() {
	if b.stdin != nil {
		b.stdin.Close()
	}
	if b.stdout != nil {
		b.stdout.Close()
	}
	if b.stderr != nil {
		b.stderr.Close()
	}
}
