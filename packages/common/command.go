package common

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"

	maxLineBytes = 1024 * 1024
)

// LineHandler receives one trimmed line of child output. It is called from
// one goroutine per stream, so implementations must serialize themselves.
type LineHandler func(stream, line string)

// Command is a shell command started with StartCommand.
type Command struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// StartCommand runs command through `sh -c` with the inherited environment
// plus env, and feeds every non-empty output line to onLine. It returns once
// the process has been spawned; a spawn failure is returned synchronously.
// command is never logged, since it may carry credentials.
func StartCommand(command, dir string, env []string, onLine LineHandler, log *zap.Logger) (*Command, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("Failed to create stdout pipe", zap.Error(err))
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error("Failed to create stderr pipe", zap.Error(err))
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		log.Error("Failed to start command", zap.Error(err))
		return nil, fmt.Errorf("start command: %w", err)
	}

	c := &Command{cmd: cmd, done: make(chan struct{})}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdout, StreamStdout, onLine, log)
	}()
	go func() {
		defer readers.Done()
		scanLines(stderr, StreamStderr, onLine, log)
	}()

	// Wait closes the pipes, so it must only run after both readers are drained.
	go func() {
		readers.Wait()
		c.err = cmd.Wait()
		close(c.done)
	}()

	return c, nil
}

func scanLines(r io.Reader, stream string, onLine LineHandler, log *zap.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		onLine(stream, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Warn("Failed to read command output", zap.String("stream", stream), zap.Error(err))
	}
}

// Signal delivers sig to the shell and every process it started.
func (c *Command) Signal(sig os.Signal) error {
	return signalGroup(c.cmd.Process, sig)
}

// Done is closed after the process has exited and all output was delivered.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the process exits and returns its exit error.
func (c *Command) Wait() error {
	<-c.done
	return c.err
}

// ExitCode maps an exit error to a process exit code, -1 when unknown.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ShellQuote quotes s for use as a single sh word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=,@+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellJoin quotes each argument and joins them with spaces.
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = ShellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

var secretFlags = map[string]bool{
	"--flowise-api-key":     true,
	"--langfuse-public-key": true,
	"--langfuse-secret-key": true,
}

// RedactArgs returns a copy of args with the values that follow credential
// flags masked.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if secretFlags[out[i]] {
			out[i+1] = "***"
			i++
		}
	}
	return out
}
