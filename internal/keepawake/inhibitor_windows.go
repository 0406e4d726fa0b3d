//go:build windows

package keepawake

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/windows"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

const (
	esContinuous     = 0x80000000
	esSystemRequired = 0x00000001
)

var procSetThreadExecutionState = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadExecutionState")

// NewDefaultAdapter returns the Windows adapter. The execution state is
// per thread, so the handle pins one OS thread for its lifetime.
func NewDefaultAdapter() Adapter {
	return &windowsAdapter{}
}

type windowsAdapter struct{}

func (a *windowsAdapter) Acquire(ctx context.Context) (Handle, error) {
	if err := procSetThreadExecutionState.Find(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeKeepAwakeUnsupported, "SetThreadExecutionState is unavailable", err)
	}

	h := &threadHandle{
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	started := make(chan error, 1)
	go h.hold(started)

	select {
	case err := <-started:
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeKeepAwakeAcquireFailed, "failed to set thread execution state", err)
		}
		return h, nil
	case <-ctx.Done():
		h.stop()
		return nil, apperrors.Wrap(apperrors.CodeKeepAwakeAcquireFailed, "keep-awake acquire canceled", ctx.Err())
	}
}

type threadHandle struct {
	release chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (h *threadHandle) hold(started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(h.done)

	r, _, err := procSetThreadExecutionState.Call(uintptr(esContinuous | esSystemRequired))
	if r == 0 {
		started <- err
		return
	}
	started <- nil

	<-h.release
	procSetThreadExecutionState.Call(uintptr(esContinuous))
}

func (h *threadHandle) stop() {
	h.once.Do(func() { close(h.release) })
}

func (h *threadHandle) Done() <-chan struct{} { return h.done }

func (h *threadHandle) Err() error { return nil }

func (h *threadHandle) Release(ctx context.Context) error {
	h.stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("release timed out: %w", ctx.Err())
	}
}
