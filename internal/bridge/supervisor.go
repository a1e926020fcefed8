package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultKillTimeout = 5 * time.Second

var ErrProcessClosed = errors.New("bridge: engine process closed")

// SpawnError reports that the engine binary could not be launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start engine %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Supervisor launches one engine subprocess per connection.
type Supervisor struct {
	binary      string
	args        []string
	env         []string
	killTimeout time.Duration
	log         *zap.Logger
}

type SupervisorOption func(*Supervisor)

func WithEnv(env ...string) SupervisorOption {
	return func(s *Supervisor) { s.env = append(s.env, env...) }
}

func WithKillTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.killTimeout = d
		}
	}
}

func WithSupervisorLogger(l *zap.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSupervisor(binary string, args []string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		binary:      binary,
		args:        append([]string(nil), args...),
		killTimeout: defaultKillTimeout,
		log:         zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Binary returns the configured engine path.
func (s *Supervisor) Binary() string { return s.binary }

// Check verifies the engine binary exists. Spawning still reports failures
// per session; this only serves startup diagnostics.
func (s *Supervisor) Check() error {
	path, err := exec.LookPath(s.binary)
	if err != nil {
		return &SpawnError{Path: s.binary, Err: err}
	}
	if _, err := os.Stat(path); err != nil {
		return &SpawnError{Path: s.binary, Err: err}
	}
	return nil
}

// Open starts an engine for sessionID. Everything the engine writes to stdout
// is copied into stdout; stderr lines are logged. Canceling ctx kills the
// process.
func (s *Supervisor) Open(ctx context.Context, sessionID string, stdout io.Writer) (*Process, error) {
	log := s.log.With(zap.String("session_id", sessionID))

	cmd := exec.CommandContext(ctx, s.binary, s.args...)
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	cmd.Stdout = stdout
	stderr := &stderrLogger{log: log}
	cmd.Stderr = stderr
	cmd.WaitDelay = s.killTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: s.binary, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, &SpawnError{Path: s.binary, Err: err}
	}

	p := &Process{
		sessionID:   sessionID,
		cmd:         cmd,
		stdin:       stdin,
		stderr:      stderr,
		done:        make(chan struct{}),
		exitCode:    -1,
		killTimeout: s.killTimeout,
		log:         log,
	}
	log.Info("engine_spawned", zap.Int("pid", cmd.Process.Pid), zap.String("binary", s.binary))
	go p.wait()
	return p, nil
}

// Process is a handle to one running engine.
type Process struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    *stderrLogger

	mu        sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	done     chan struct{}
	exitCode int
	waitErr  error

	killTimeout time.Duration
	log         *zap.Logger
}

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// WriteLine writes line plus a newline to the engine's stdin.
func (p *Process) WriteLine(line string) error {
	if p.closed.Load() {
		return ErrProcessClosed
	}
	select {
	case <-p.done:
		return ErrProcessClosed
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write engine stdin: %w", err)
	}
	return nil
}

// Done is closed once the process has exited and its stdout is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is valid after Done; -1 means the process was killed by a signal.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Closed reports whether Close was requested, which makes an exit expected.
func (p *Process) Closed() bool { return p.closed.Load() }

// Close kills the engine and waits for it to exit. Safe to call repeatedly.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.mu.Lock()
		_ = p.stdin.Close()
		p.mu.Unlock()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})

	select {
	case <-p.done:
		return nil
	case <-time.After(p.killTimeout):
		return fmt.Errorf("engine pid %d did not exit within %s", p.PID(), p.killTimeout)
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.stderr.flush()
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
		p.log.Debug("engine_wait_error", zap.Error(err))
	}
	p.log.Info("engine_exit", zap.Int("code", p.exitCode), zap.Bool("requested", p.closed.Load()))
	close(p.done)
}

// stderrLogger logs engine stderr line by line.
type stderrLogger struct {
	mu  sync.Mutex
	buf []byte
	log *zap.Logger
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}

func (w *stderrLogger) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *stderrLogger) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.log.Warn("engine_stderr", zap.ByteString("line", line))
}
