//go:build !darwin && !linux && !windows

package keepawake

import (
	"context"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// NewDefaultAdapter returns an adapter that always degrades.
func NewDefaultAdapter() Adapter {
	return &unsupportedAdapter{}
}

type unsupportedAdapter struct{}

func (a *unsupportedAdapter) Acquire(ctx context.Context) (Handle, error) {
	return nil, apperrors.New(apperrors.CodeKeepAwakeUnsupported, "keep-awake is unsupported on this host")
}
