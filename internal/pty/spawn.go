// Package pty spawns agent processes under a pseudo-terminal when one is
// available and streams their output as chunks.
package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRows        = 50
	defaultCols        = 200
	defaultGracePeriod = 5 * time.Second
	defaultDrainTimeout = 2 * time.Second
	readBufferSize     = 32 * 1024
)

// Stream identifies where a chunk was read from. Under a pty stdout and
// stderr are merged and every chunk reports Stdout.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is a piece of raw process output.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Command describes the process to start.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current environment.
	Env []string
}

// Options controls how a command is spawned.
type Options struct {
	DisablePTY  bool
	Rows, Cols  uint16
	GracePeriod time.Duration
	// DrainTimeout bounds how long output is read after the process exits
	// while a leaked descendant still holds the output open.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Process is a handle to a spawned command.
type Process struct {
	cmd     *exec.Cmd
	readEnd []*os.File // pty master or pipe read ends
	isPTY   bool
	grace   time.Duration
	drain   time.Duration
	logger  *slog.Logger

	output chan Chunk
	exited chan struct{}
	done   chan struct{}

	waitErr error

	terminateOnce sync.Once
	terminated    atomic.Bool
}

// Spawn starts the command. It tries a pseudo-terminal first and falls back
// to plain pipes when one cannot be allocated. Cancelling ctx terminates
// the process.
func Spawn(ctx context.Context, c Command, opts Options) (*Process, error) {
	if c.Name == "" {
		return nil, errors.New("pty: empty command")
	}
	p := &Process{
		grace:  opts.GracePeriod,
		drain:  opts.DrainTimeout,
		logger: opts.Logger,
		output: make(chan Chunk, 64),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if p.grace <= 0 {
		p.grace = defaultGracePeriod
	}
	if p.drain <= 0 {
		p.drain = defaultDrainTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	var readers []streamReader
	if !opts.DisablePTY {
		cmd := newCmd(c)
		tty, err := startPTY(cmd, opts.Rows, opts.Cols)
		switch {
		case err == nil:
			p.cmd, p.isPTY = cmd, true
			p.readEnd = []*os.File{tty}
			readers = []streamReader{{tty, Stdout}}
		case errors.Is(err, errPTYUnavailable):
			p.logger.Debug("[PTY] falling back to pipes", "command", c.Name, "error", err)
		default:
			return nil, fmt.Errorf("starting %s: %w", c.Name, err)
		}
	}

	if !p.isPTY {
		cmd := newCmd(c)
		setProcessGroup(cmd)
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		cmd.Stdout, cmd.Stderr = stdoutW, stderrW
		err = cmd.Start()
		// The child holds its own copies of the write ends.
		stdoutW.Close()
		stderrW.Close()
		if err != nil {
			stdoutR.Close()
			stderrR.Close()
			return nil, fmt.Errorf("starting %s: %w", c.Name, err)
		}
		p.cmd = cmd
		p.readEnd = []*os.File{stdoutR, stderrR}
		readers = []streamReader{{stdoutR, Stdout}, {stderrR, Stderr}}
	}

	p.logger.Debug("[PTY] spawned", "command", c.Name, "pid", p.cmd.Process.Pid, "pty", p.isPTY)

	go p.run(readers)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Terminate()
		case <-p.done:
		}
	}()
	return p, nil
}

type streamReader struct {
	r      io.Reader
	stream Stream
}

func newCmd(c Command) *exec.Cmd {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

func (p *Process) run(readers []streamReader) {
	var wg sync.WaitGroup
	for _, sr := range readers {
		wg.Add(1)
		go func(sr streamReader) {
			defer wg.Done()
			p.read(sr)
		}(sr)
	}

	// Output only reaches EOF once every writer is closed, so a leaked
	// descendant could keep it open forever.
	p.waitErr = p.cmd.Wait()
	close(p.exited)
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.drain):
		p.logger.Debug("[PTY] output still open after exit, closing", "pid", p.cmd.Process.Pid)
		p.closeReadEnds()
		<-drained
	}
	p.closeReadEnds()

	close(p.output)
	close(p.done)
}

func (p *Process) closeReadEnds() {
	for _, f := range p.readEnd {
		_ = f.Close()
	}
}

func (p *Process) read(sr streamReader) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := sr.r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.output <- Chunk{Stream: sr.stream, Data: data}
		}
		if err != nil {
			return
		}
	}
}

// IsPTY reports whether the process runs under a pseudo-terminal.
func (p *Process) IsPTY() bool { return p.isPTY }

// Pid returns the process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Output returns the chunk channel. It is closed once all output has been
// read and the process has exited.
func (p *Process) Output() <-chan Chunk { return p.output }

// Done is closed after Output has been closed.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process has exited and its output is drained. The
// caller must keep receiving from Output or Wait never returns.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Terminated reports whether Terminate has been called.
func (p *Process) Terminated() bool { return p.terminated.Load() }

// Terminate asks the process group to exit and force-kills it after the
// grace period. Only the first call sends signals.
func (p *Process) Terminate() error {
	var err error
	p.terminateOnce.Do(func() {
		p.terminated.Store(true)
		select {
		case <-p.exited:
			return
		default:
		}
		pid := p.cmd.Process.Pid
		p.logger.Debug("[PTY] terminating", "pid", pid)
		err = terminateGroup(p.cmd)
		go func() {
			select {
			case <-p.exited:
			case <-time.After(p.grace):
				p.logger.Warn("[PTY] grace period expired, killing", "pid", pid)
				_ = killGroup(p.cmd)
			}
		}()
	})
	return err
}
