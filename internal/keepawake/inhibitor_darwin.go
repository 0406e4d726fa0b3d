//go:build darwin

package keepawake

import (
	"os"
	"os/exec"
	"strconv"
)

// NewDefaultAdapter returns the macOS adapter. caffeinate -i blocks idle
// sleep only, and -w ties it to this process so a crash releases it.
func NewDefaultAdapter() Adapter {
	return &commandAdapter{
		name:    "caffeinate",
		args:    []string{"-i", "-w", strconv.Itoa(os.Getpid())},
		execCmd: exec.Command,
	}
}
