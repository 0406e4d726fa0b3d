//go:build darwin || linux

package keepawake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// commandAdapter holds the inhibitor by keeping a helper process alive.
type commandAdapter struct {
	name    string
	args    []string
	execCmd func(name string, args ...string) *exec.Cmd
}

func (a *commandAdapter) Acquire(ctx context.Context) (Handle, error) {
	if a.execCmd == nil {
		return nil, apperrors.New(apperrors.CodeKeepAwakeAcquireFailed, "keep-awake command runner is unavailable")
	}

	cmd := a.execCmd(a.name, a.args...)
	// Own process group, so release reaches any child the helper spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		var ex *exec.Error
		if errors.As(err, &ex) || errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.CodeKeepAwakeUnsupported, a.name+" is unavailable", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeKeepAwakeAcquireFailed, "failed to start "+a.name, err)
	}

	h := &processHandle{
		name: a.name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

type processHandle struct {
	name string
	cmd  *exec.Cmd

	mu       sync.Mutex
	done     chan struct{}
	err      error
	released bool
	once     sync.Once
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	if h.released {
		err = nil
	}
	h.err = err
	h.mu.Unlock()

	close(h.done)
}

func (h *processHandle) Done() <-chan struct{} {
	return h.done
}

func (h *processHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *processHandle) Release(ctx context.Context) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	pgid := -h.cmd.Process.Pid

	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		_ = unix.Kill(pgid, unix.SIGTERM)
	})

	select {
	case <-ctx.Done():
		_ = unix.Kill(pgid, unix.SIGKILL)
		select {
		case <-h.done:
		case <-time.After(200 * time.Millisecond):
		}
		return fmt.Errorf("release timed out waiting for %s exit: %w", h.name, ctx.Err())
	case <-h.done:
		return nil
	}
}
