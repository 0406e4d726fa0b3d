package launcher

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
)

const outputDrainTimeout = 2 * time.Second

// process is one spawned instance of the vendor application.
//
// With capture enabled the command runs attached to a pseudo-terminal, so
// applications that only flush their console output to a terminal still
// produce lines we can log. When no pty can be allocated the output is
// read through a pipe instead.
type process struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	pipeW  *io.PipeWriter
	tail   *outputTail
	onLine func(string)

	done       chan struct{}
	outputDone chan struct{}

	mu      sync.Mutex
	running bool
	exitErr error
}

func startProcess(path string, args []string, capture bool, tail *outputTail, onLine func(string)) (*process, error) {
	p := &process{
		cmd:        exec.Command(path, args...),
		tail:       tail,
		onLine:     onLine,
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
	}

	var out io.Reader
	switch {
	case !capture:
		if err := p.cmd.Start(); err != nil {
			return nil, err
		}
		close(p.outputDone)
	default:
		ptmx, err := pty.Start(p.cmd)
		if err == nil {
			p.ptmx = ptmx
			out = ptmx
			break
		}
		// No pty on this platform or in this environment: fall back to a pipe.
		p.cmd = exec.Command(path, args...)
		pr, pw := io.Pipe()
		p.cmd.Stdout = pw
		p.cmd.Stderr = pw
		p.cmd.WaitDelay = outputDrainTimeout
		if err := p.cmd.Start(); err != nil {
			pw.Close()
			return nil, err
		}
		p.pipeW = pw
		out = pr
	}

	p.running = true
	if out != nil {
		go p.captureOutput(out)
	}
	go p.waitForExit()
	return p, nil
}

// captureOutput splits the stream into lines for the tail and the callback.
func (p *process) captureOutput(r io.Reader) {
	defer close(p.outputDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		line := sanitizeUTF8(strings.TrimRight(scanner.Text(), "\r"))
		if line == "" {
			continue
		}
		p.tail.write(line)
		if p.onLine != nil {
			p.onLine(line)
		}
	}
}

func (p *process) waitForExit() {
	err := p.cmd.Wait()

	// Closing the write side ends captureOutput for pipes; for a pty the
	// read side returns EIO once the child is gone.
	if p.pipeW != nil {
		p.pipeW.Close()
	}
	select {
	case <-p.outputDone:
	case <-time.After(outputDrainTimeout):
		// A grandchild still holds the terminal open.
		p.mu.Lock()
		if p.ptmx != nil {
			p.ptmx.Close()
			p.ptmx = nil
		}
		p.mu.Unlock()
		<-p.outputDone
	}

	p.mu.Lock()
	p.running = false
	p.exitErr = err
	if p.ptmx != nil {
		p.ptmx.Close()
		p.ptmx = nil
	}
	p.mu.Unlock()

	close(p.done)
}

func (p *process) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// terminate asks the process to exit, then kills it after grace.
func (p *process) terminate(ctx context.Context, grace time.Duration) error {
	if !p.alive() {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Platforms without SIGTERM go straight to kill.
		return p.kill(ctx)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return p.kill(ctx)
	case <-ctx.Done():
		return p.kill(context.Background())
	}
}

func (p *process) kill(ctx context.Context) error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sanitizeUTF8 replaces invalid bytes with U+FFFD so lines stay loggable.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
