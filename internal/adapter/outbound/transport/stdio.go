package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hatago-mcp/hatago/internal/port/outbound"
)

const (
	// scannerInitialBufSize is the initial buffer size for the message
	// scanner. MCP messages are typically small.
	scannerInitialBufSize = 256 * 1024 // 256KB

	// scannerMaxBufSize is the maximum buffer size for the message
	// scanner. Lines beyond this fail the connection with ErrTooLong.
	scannerMaxBufSize = 1024 * 1024 // 1MB

	// stderrTailSize is how much of the child's recent stderr is kept
	// for error reporting.
	stderrTailSize = 4 * 1024
)

// Stdio runs an upstream MCP server as a child process speaking
// newline-delimited JSON over stdin/stdout. It implements
// outbound.Transport.
type Stdio struct {
	command string
	args    []string
	env     map[string]string
	cwd     string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	handler func(raw []byte)
	started bool
	closed  bool

	done      chan struct{}
	doneErr   error
	tail      *stderrTail
	stderrRdr sync.WaitGroup
}

var _ outbound.Transport = (*Stdio)(nil)

// NewStdio creates a stdio transport for the given command line. The
// child inherits the hub's environment plus env.
func NewStdio(command string, args []string, env map[string]string, cwd string, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		command: command,
		args:    args,
		env:     env,
		cwd:     cwd,
		logger:  logger,
		done:    make(chan struct{}),
		tail:    &stderrTail{max: stderrTailSize},
	}
}

// OnMessage registers the handler for lines arriving on the child's
// stdout. Must be called before Start.
func (t *Stdio) OnMessage(fn func(raw []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Start spawns the child process and begins the stdout read loop.
func (t *Stdio) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.New("transport already started")
	}

	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if t.cwd != "" {
		cmd.Dir = t.cwd
	}
	// Own process group so Close can reap grandchildren the server may
	// have spawned.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("failed to start server: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	t.stderrRdr.Add(1)
	go t.readStderr(stderr)
	go t.readLoop(stdout)
	return nil
}

// readLoop scans newline-delimited messages off the child's stdout and
// hands each to the registered handler.
func (t *Stdio) readLoop(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(raw)
		}
	}

	scanErr := scanner.Err()
	// Drain stderr fully before Wait closes its pipe.
	t.stderrRdr.Wait()
	waitErr := t.cmd.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		// Close initiated the teardown; a kill error is expected.
		t.doneErr = nil
	} else {
		switch {
		case scanErr != nil:
			t.doneErr = fmt.Errorf("stdout read: %w", scanErr)
		case waitErr != nil:
			t.doneErr = fmt.Errorf("process exited: %w (stderr: %s)", waitErr, t.tail.String())
		default:
			t.doneErr = errors.New("process exited")
		}
	}
	close(t.done)
}

// readStderr forwards the child's stderr to the hub log and keeps a
// tail for error reporting.
func (t *Stdio) readStderr(stderr io.ReadCloser) {
	defer t.stderrRdr.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		t.tail.append(line)
		t.logger.Debug("upstream stderr", "line", line)
	}
}

// Send writes one message followed by a newline to the child's stdin.
func (t *Stdio) Send(_ context.Context, raw []byte) error {
	t.mu.Lock()
	stdin := t.stdin
	closed := t.closed
	t.mu.Unlock()

	if closed || stdin == nil {
		return errors.New("transport closed")
	}
	if _, err := stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("stdin write: %w", err)
	}
	return nil
}

// Done returns a channel closed when the child exits.
func (t *Stdio) Done() <-chan struct{} { return t.done }

// Err reports the terminal error after Done is closed.
func (t *Stdio) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneErr
}

// Close stops the child process. Stdin is closed first so a cooperative
// server can exit on EOF; the whole process group is then killed.
func (t *Stdio) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	var errs []error
	if stdin != nil {
		if err := stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
	}

	if cmd != nil && cmd.Process != nil {
		// Negative pid targets the process group set at Start.
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil &&
			!errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill process group: %w", err))
		}
	}

	return errors.Join(errs...)
}

// stderrTail keeps the most recent stderr output, bounded.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (s *stderrTail) append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, line...)
	s.buf = append(s.buf, '\n')
	if len(s.buf) > s.max {
		s.buf = s.buf[len(s.buf)-s.max:]
	}
}

func (s *stderrTail) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}
