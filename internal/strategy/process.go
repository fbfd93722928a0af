package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	readChunkSize   = 32 * 1024
	gracefulTimeout = 3 * time.Second
	drainTimeout    = 2 * time.Second
)

var ansiPattern = regexp.MustCompile(`\x1B(?:\[[0-9;?]*[a-zA-Z]|\][^\x07]*\x07)`)

// stripANSI removes terminal escape sequences from CLI output.
func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// procSpec describes one backend invocation.
type procSpec struct {
	binary string
	args   []string
	dir    string
	env    map[string]string
	stdin  bool
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// process is a supervised backend subprocess. Output is delivered as raw
// chunks so streamed text is never re-split or re-joined.
type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  *stdinWriter
	done   chan struct{}

	exitCode int
	waitErr  error

	killOnce sync.Once
}

// startProcess spawns spec. onStdout and onStderr are called from separate
// goroutines, each in arrival order for its own stream.
func startProcess(ctx context.Context, spec procSpec, onStdout, onStderr func([]byte)) (*process, error) {
	binaryPath, err := exec.LookPath(spec.binary)
	if err != nil {
		return nil, fmt.Errorf("%s CLI not found in PATH", spec.binary)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, binaryPath, spec.args...)
	cmd.Dir = spec.dir
	cmd.Env = mergeEnv(os.Environ(), spec.env)

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	var stdin *stdinWriter
	if spec.stdin {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create stdin pipe: %w", err)
		}
		files = append(files, stdinR, stdinW)
		cmd.Stdin = stdinR
		stdin = &stdinWriter{writer: stdinW}
	}

	// Plain os.Pipe pairs instead of StdoutPipe: Wait must not close the
	// read ends before the readers have drained them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll()
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	files = append(files, stdoutR, stdoutW)
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll()
		cancel()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	files = append(files, stderrR, stderrW)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll()
		cancel()
		return nil, fmt.Errorf("failed to start %s CLI: %w", spec.binary, err)
	}

	// The child owns its ends now.
	stdoutW.Close()
	stderrW.Close()
	if stdin != nil {
		cmd.Stdin.(*os.File).Close()
	}

	p := &process{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		done:   make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		readChunks(stdoutR, onStdout)
	}()
	go func() {
		defer readers.Done()
		readChunks(stderrR, onStderr)
	}()

	go p.waitForExit(&readers, stdoutR, stderrR)
	return p, nil
}

// readChunks copies r to fn until EOF or a read error.
func readChunks(r io.Reader, fn func([]byte)) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && fn != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fn(chunk)
		}
		if err != nil {
			return
		}
	}
}

// waitForExit reaps the process, then waits for the readers. Grandchildren
// that inherited the pipes can keep them open, so draining is bounded.
func (p *process) waitForExit(readers *sync.WaitGroup, pipes ...*os.File) {
	err := p.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		for _, f := range pipes {
			f.Close()
		}
		<-drained
	}
	for _, f := range pipes {
		f.Close()
	}

	p.exitCode = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
			p.waitErr = err
		}
	}

	if p.stdin != nil {
		p.stdin.Close()
	}
	p.cancel()
	close(p.done)
}

// Done is closed after the process exited and its output was delivered.
func (p *process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until exit and returns the exit code. A negative code means
// the process was killed by a signal or could not be waited on.
func (p *process) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

// WriteLine writes s followed by a newline to the process stdin.
func (p *process) WriteLine(s string) error {
	if p.stdin == nil {
		return fmt.Errorf("process has no stdin")
	}
	return p.stdin.Write([]byte(s + "\n"))
}

// Kill interrupts the process and force-kills it after a grace period.
// Safe to call multiple times and after exit.
func (p *process) Kill() {
	p.killOnce.Do(func() {
		if p.stdin != nil {
			p.stdin.Close()
		}
		select {
		case <-p.done:
			return
		default:
		}
		if p.cmd.Process != nil {
			p.cmd.Process.Signal(os.Interrupt)
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(gracefulTimeout):
				p.cancel()
			}
		}()
	})
}

// mergeEnv returns base with overrides applied; later keys win.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// outputCollector accumulates process output for one stream.
type outputCollector struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (c *outputCollector) Write(b []byte) {
	c.mu.Lock()
	c.buf.Write(b)
	c.mu.Unlock()
}

func (c *outputCollector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Tail returns at most the last n bytes collected.
func (c *outputCollector) Tail(n int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.buf.String()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
